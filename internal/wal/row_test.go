package wal

import (
	"testing"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

func TestRow_ID(t *testing.T) {
	row := Row{"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "bad": "nope"}
	want := model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if got := row.ID("id"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := row.ID("bad"); !got.IsZero() {
		t.Fatalf("expected zero id for malformed uuid, got %s", got)
	}
	if got := row.ID("missing"); !got.IsZero() {
		t.Fatalf("expected zero id for NULL column, got %s", got)
	}
}

func TestRow_Time(t *testing.T) {
	cases := []string{
		"2026-01-07 10:30:00.123456-05",
		"2026-01-07 15:30:00.123456",
		"2026-01-07 15:30:00",
	}
	for _, raw := range cases {
		row := Row{"inserted_at": raw}
		got := row.Time("inserted_at")
		if got == nil {
			t.Fatalf("expected %q to parse", raw)
		}
		if got.Location() != time.UTC {
			t.Fatalf("expected UTC, got %v", got.Location())
		}
	}
	if got := (Row{"x": "not a time"}).Time("x"); got != nil {
		t.Fatalf("expected nil for unparseable time, got %v", got)
	}
	if got := (Row{}).Time("x"); got != nil {
		t.Fatalf("expected nil for NULL column, got %v", got)
	}
}

func TestRow_Bool(t *testing.T) {
	row := Row{"a": "t", "b": "true", "c": "f", "d": ""}
	if !row.Bool("a") || !row.Bool("b") {
		t.Fatalf("expected t/true to parse as true")
	}
	if row.Bool("c") || row.Bool("d") || row.Bool("missing") {
		t.Fatalf("expected f, empty, and NULL to parse as false")
	}
}

func TestRow_Float(t *testing.T) {
	row := Row{"lat": "52.52", "bad": "x"}
	if f, ok := row.Float("lat"); !ok || f != 52.52 {
		t.Fatalf("expected 52.52, got %v (ok=%v)", f, ok)
	}
	if _, ok := row.Float("bad"); ok {
		t.Fatalf("expected malformed float to report !ok")
	}
	if _, ok := row.Float("missing"); ok {
		t.Fatalf("expected NULL float to report !ok")
	}
}

func TestRow_JSON(t *testing.T) {
	row := Row{"conditions": `[{"property":"remote_ip","operator":"is_in_cidr","values":["10.0.0.0/8"]}]`}
	var conds []model.Condition
	if !row.JSON("conditions", &conds) {
		t.Fatalf("expected json to unmarshal")
	}
	if len(conds) != 1 || conds[0].Property != model.ConditionRemoteIP {
		t.Fatalf("unexpected conditions %v", conds)
	}
	if row.JSON("missing", &conds) {
		t.Fatalf("expected NULL column to report false")
	}
}
