// Copyright (c) 2025 Admon, Inc. All rights reserved.

package convert

import (
	"fmt"
	"sort"
	"time"

	"github.com/admon/awscur-scripts/internal/schema"
	"github.com/parquet-go/parquet-go"
)

// parquetSchema maps the canonical column set onto a parquet schema.
// Partition columns are required strings; data columns are optional so a
// typed null round-trips as a parquet null. Timestamps are epoch-millisecond
// INT64.
func parquetSchema(cat *schema.Catalog) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, col := range cat.Columns() {
		node, err := parquetNode(col)
		if err != nil {
			return nil, err
		}
		group[col.Name] = node
	}
	return parquet.NewSchema("cur", group), nil
}

func parquetNode(col schema.Column) (parquet.Node, error) {
	switch col.Type {
	case schema.TypeString:
		if col.IsPartition() {
			return parquet.String(), nil
		}
		return parquet.Optional(parquet.String()), nil
	case schema.TypeDouble:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType)), nil
	case schema.TypeTimestamp:
		return parquet.Optional(parquet.Timestamp(parquet.Millisecond)), nil
	case schema.TypeMapString:
		return parquet.Map(parquet.String(), parquet.String()), nil
	case schema.TypeMapDouble:
		return parquet.Map(parquet.String(), parquet.Leaf(parquet.DoubleType)), nil
	}
	return nil, fmt.Errorf("column %s: no parquet mapping for type %s", col.Name, col.Type)
}

// parquetValue adapts a coerced value for the parquet leaf. time.Time
// becomes epoch milliseconds to match the timestamp leaf's physical type.
func parquetValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return v
}

// rowEncoder flattens canonical rows into parquet values with explicit
// repetition and definition levels. The generic writer's reflection path
// cannot deconstruct map columns held in any-typed rows, so rows are
// encoded by hand.
type rowEncoder struct {
	cols []encodedColumn
}

type encodedColumn struct {
	col  schema.Column
	leaf int // column index of the first leaf
}

// newRowEncoder precomputes the leaf layout. Schema fields are ordered by
// name; a map column contributes two leaves (key, then value), everything
// else one.
func newRowEncoder(cat *schema.Catalog) *rowEncoder {
	cols := append([]schema.Column(nil), cat.Columns()...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	enc := &rowEncoder{cols: make([]encodedColumn, 0, len(cols))}
	leaf := 0
	for _, col := range cols {
		enc.cols = append(enc.cols, encodedColumn{col: col, leaf: leaf})
		switch col.Type {
		case schema.TypeMapString, schema.TypeMapDouble:
			leaf += 2
		default:
			leaf++
		}
	}
	return enc
}

// encode turns one canonical row into a parquet.Row ordered by column index.
func (e *rowEncoder) encode(row map[string]any) parquet.Row {
	out := make(parquet.Row, 0, len(e.cols)+8)
	for _, ec := range e.cols {
		v := row[ec.col.Name]
		switch ec.col.Type {
		case schema.TypeMapString:
			m, _ := v.(map[string]string)
			out = appendMapLeaves(out, ec.leaf, m)
		case schema.TypeMapDouble:
			m, _ := v.(map[string]float64)
			out = appendMapLeaves(out, ec.leaf, m)
		default:
			out = appendScalarLeaf(out, ec, v)
		}
	}
	return out
}

func appendScalarLeaf(out parquet.Row, ec encodedColumn, v any) parquet.Row {
	if ec.col.IsPartition() {
		return append(out, parquet.ValueOf(v).Level(0, 0, ec.leaf))
	}
	if v == nil {
		return append(out, parquet.ValueOf(nil).Level(0, 0, ec.leaf))
	}
	return append(out, parquet.ValueOf(v).Level(0, 1, ec.leaf))
}

// appendMapLeaves emits the key leaf then the value leaf of a MAP column.
// An empty map is one null per leaf at definition level zero; entries sort
// by key so output is deterministic.
func appendMapLeaves[V any](out parquet.Row, leaf int, m map[string]V) parquet.Row {
	if len(m) == 0 {
		return append(out,
			parquet.ValueOf(nil).Level(0, 0, leaf),
			parquet.ValueOf(nil).Level(0, 0, leaf+1))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rep := 0
	for _, k := range keys {
		out = append(out, parquet.ValueOf(k).Level(rep, 1, leaf))
		rep = 1
	}
	rep = 0
	for _, k := range keys {
		out = append(out, parquet.ValueOf(m[k]).Level(rep, 1, leaf+1))
		rep = 1
	}
	return out
}
