package wal

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// relationSet tracks Relation messages seen on the stream. pgoutput sends a
// relation's schema once per session (and again after DDL); row messages
// reference it by ID only.
type relationSet map[uint32]*pglogrepl.RelationMessage

func (rs relationSet) add(rel *pglogrepl.RelationMessage) {
	rs[rel.RelationID] = rel
}

func (rs relationSet) get(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := rs[id]
	if !ok {
		return nil, fmt.Errorf("wal: no relation message seen for relation %d", id)
	}
	return rel, nil
}

// tableName returns the relation's name, schema-qualified unless public.
func tableName(rel *pglogrepl.RelationMessage) string {
	if rel.Namespace == "" || rel.Namespace == "public" {
		return rel.RelationName
	}
	return rel.Namespace + "." + rel.RelationName
}

// decodeTuple converts one pgoutput tuple to a Row. Columns arrive in text
// format under proto_version 1. Unchanged TOAST columns ('u') are filled
// from prev when available, otherwise omitted.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, prev Row) (Row, error) {
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("wal: %s: tuple has %d columns, relation has %d",
			tableName(rel), len(tuple.Columns), len(rel.Columns))
	}
	row := make(Row, len(tuple.Columns))
	for i, col := range tuple.Columns {
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			// absent from the map
		case pglogrepl.TupleDataTypeToast:
			if prev != nil {
				if v, ok := prev[name]; ok {
					row[name] = v
				}
			}
		case pglogrepl.TupleDataTypeText:
			row[name] = string(col.Data)
		default:
			return nil, fmt.Errorf("wal: %s.%s: unexpected tuple data type %q",
				tableName(rel), name, col.DataType)
		}
	}
	return row, nil
}
