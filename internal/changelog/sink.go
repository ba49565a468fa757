// Package changelog persists every replicated row change to the audit_log
// table. The buffer is keyed by LSN so redelivered events after a
// replication reconnect collapse instead of duplicating, and the insert
// carries ON CONFLICT DO NOTHING for anything that survived a previous
// flush.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firezone/firezone-sub012/internal/wal"
)

// schemaVersion is stamped onto every entry so future readers can tell
// which shape of old_data/data they are looking at.
const schemaVersion = 1

const (
	defaultFlushBatch    = 200
	defaultFlushInterval = 5 * time.Second
	flushTimeout         = 15 * time.Second
)

// redactedColumns lists sensitive columns per table. Their values are
// replaced with a placeholder in both old_data and data before persisting.
var redactedColumns = map[string]map[string]bool{
	"tokens": {
		"secret_fragment": true,
		"secret_salt":     true,
		"secret_hash":     true,
	},
	"relays": {
		"stamp_secret": true,
	},
	"auth_providers": {
		"adapter_config": true,
	},
}

const redactedPlaceholder = "[redacted]"

type entry struct {
	lsn       uint64
	op        string
	table     string
	accountID string
	oldData   []byte
	data      []byte
	subject   []byte
}

// Sink buffers audit entries and flushes them in batches, by size or on a
// timer. After each successful flush it reports the highest persisted LSN
// so the replication consumer can acknowledge it upstream.
type Sink struct {
	pool          *pgxpool.Pool
	flushBatch    int
	flushInterval time.Duration
	onFlush       func(lsn uint64)

	mu  sync.Mutex
	buf map[uint64]entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSink creates a sink. onFlush may be nil; batch and interval fall back
// to defaults when non-positive.
func NewSink(pool *pgxpool.Pool, flushBatch int, flushInterval time.Duration, onFlush func(uint64)) *Sink {
	if flushBatch <= 0 {
		flushBatch = defaultFlushBatch
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Sink{
		pool:          pool,
		flushBatch:    flushBatch,
		flushInterval: flushInterval,
		onFlush:       onFlush,
		buf:           make(map[uint64]entry),
		stopCh:        make(chan struct{}),
	}
}

// RecoverLSN returns the highest LSN already persisted, 0 on an empty log.
// Called at boot to position the replication stream.
func (s *Sink) RecoverLSN(ctx context.Context) (uint64, error) {
	var lsn uint64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(lsn), 0) FROM audit_log`).Scan(&lsn)
	if err != nil {
		return 0, fmt.Errorf("changelog: recover lsn: %w", err)
	}
	return lsn, nil
}

// Start launches the interval flusher.
func (s *Sink) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stopCh:
				return
			}
		}
	}()
	log.Printf("[changelog] sink started (batch=%d interval=%s)", s.flushBatch, s.flushInterval)
}

// Stop stops the flusher and flushes whatever is buffered.
func (s *Sink) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.Flush()
	log.Printf("[changelog] sink stopped")
}

// Record buffers one replicated change. Changes on tables without an
// account_id column are not auditable and are dropped. Flushes inline when
// the buffer reaches the batch size; Record runs on the replication
// goroutine, so a flush here naturally backpressures the stream.
func (s *Sink) Record(ev wal.Event) {
	e, ok := buildEntry(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	s.buf[e.lsn] = e
	full := len(s.buf) >= s.flushBatch
	s.mu.Unlock()

	if full {
		s.Flush()
	}
}

// Flush writes the buffered entries. The buffer is cleared whether or not
// the insert succeeds: on failure those LSNs are simply not acknowledged,
// and the server redelivers them on the next reconnect.
func (s *Sink) Flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = make(map[uint64]entry)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.insert(ctx, batch); err != nil {
		log.Printf("[changelog] flush of %d entries failed: %v", len(batch), err)
		return
	}

	var maxLSN uint64
	for lsn := range batch {
		if lsn > maxLSN {
			maxLSN = lsn
		}
	}
	if s.onFlush != nil {
		s.onFlush(maxLSN)
	}
}

func (s *Sink) insert(ctx context.Context, entries map[uint64]entry) error {
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(`INSERT INTO audit_log (lsn, op, "table", account_id, old_data, data, subject, schema_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (lsn) DO NOTHING`,
			int64(e.lsn), e.op, e.table, e.accountID,
			nullableJSON(e.oldData), nullableJSON(e.data), nullableJSON(e.subject),
			schemaVersion)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("changelog: insert audit entry: %w", err)
		}
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}

// buildEntry converts a replicated event into an audit entry, redacting
// sensitive columns. The accounts table uses its own id as account scope.
func buildEntry(ev wal.Event) (entry, bool) {
	ref := ev.New
	if ref == nil {
		ref = ev.Old
	}
	if ref == nil {
		return entry{}, false
	}

	var accountID string
	if ev.Table == "accounts" {
		accountID = ref.String("id")
	} else {
		accountID = ref.String("account_id")
	}
	if accountID == "" {
		return entry{}, false
	}

	return entry{
		lsn:       ev.LSN,
		op:        string(ev.Op),
		table:     ev.Table,
		accountID: accountID,
		oldData:   marshalRow(ev.Table, ev.Old),
		data:      marshalRow(ev.Table, ev.New),
		subject:   ev.Subject,
	}, true
}

func marshalRow(table string, row wal.Row) []byte {
	if row == nil {
		return nil
	}
	redacted := redactedColumns[table]
	out := make(map[string]string, len(row))
	for k, v := range row {
		if redacted[k] {
			out[k] = redactedPlaceholder
		} else {
			out[k] = v
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}
