package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/ellisisland/reconciler/pkg/models"
)

// Key/value metadata stored in the parquet footer. Parquet orders group
// fields by name, so the relation's column order is kept separately.
const (
	parquetColumnsKey   = "reconciler.columns"
	parquetKeyColumnKey = "reconciler.key_column"
	parquetSchemaName   = "relation"
	parquetReadBatch    = 256
)

func parquetSchema(columns []string) (*parquet.Schema, error) {
	if len(columns) == 0 {
		return nil, errors.New("parquet snapshots need at least one column")
	}
	group := make(parquet.Group, len(columns))
	for _, c := range columns {
		if c == "" {
			return nil, errors.New("empty column name")
		}
		if _, dup := group[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		group[c] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema(parquetSchemaName, group), nil
}

// leafIndexes maps relation column positions to parquet leaf columns.
func leafIndexes(schema *parquet.Schema, columns []string) ([]int, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		leaf, ok := schema.Lookup(c)
		if !ok {
			return nil, fmt.Errorf("column %q missing from parquet schema", c)
		}
		idx[i] = leaf.ColumnIndex
	}
	return idx, nil
}

func writeParquet(w io.Writer, rel *models.Relation) error {
	schema, err := parquetSchema(rel.Columns)
	if err != nil {
		return err
	}
	leaves, err := leafIndexes(schema, rel.Columns)
	if err != nil {
		return err
	}
	order, err := json.Marshal(rel.Columns)
	if err != nil {
		return err
	}

	pw := parquet.NewWriter(w, schema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(parquetColumnsKey, string(order)),
		parquet.KeyValueMetadata(parquetKeyColumnKey, rel.KeyColumn),
	)

	rows := make([]parquet.Row, 0, len(rel.Rows))
	for _, r := range rel.Rows {
		if len(r) != len(rel.Columns) {
			return fmt.Errorf("row has %d values, relation has %d columns", len(r), len(rel.Columns))
		}
		prow := make(parquet.Row, len(r))
		for i, cell := range r {
			leaf := leaves[i]
			if cell.Valid {
				prow[leaf] = parquet.ByteArrayValue([]byte(cell.String)).Level(0, 1, leaf)
			} else {
				prow[leaf] = parquet.NullValue().Level(0, 0, leaf)
			}
		}
		rows = append(rows, prow)
	}
	if _, err := pw.WriteRows(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return pw.Close()
}

func readParquet(data []byte) (rel *models.Relation, err error) {
	// parquet-go panics on some malformed pages.
	defer func() {
		if r := recover(); r != nil {
			rel, err = nil, fmt.Errorf("corrupt parquet data: %v", r)
		}
	}()

	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	var columns []string
	if order, ok := f.Lookup(parquetColumnsKey); ok {
		if err := json.Unmarshal([]byte(order), &columns); err != nil {
			return nil, fmt.Errorf("decode column order: %w", err)
		}
	} else {
		for _, field := range f.Schema().Fields() {
			columns = append(columns, field.Name())
		}
	}
	leaves, err := leafIndexes(f.Schema(), columns)
	if err != nil {
		return nil, err
	}

	rel = models.NewRelation(columns...)
	rel.KeyColumn, _ = f.Lookup(parquetKeyColumnKey)

	reader := parquet.NewReader(bytes.NewReader(data))
	defer reader.Close()

	buf := make([]parquet.Row, parquetReadBatch)
	for {
		n, err := reader.ReadRows(buf)
		for _, prow := range buf[:n] {
			rel.Rows = append(rel.Rows, decodeParquetRow(prow, leaves))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rel, nil
}

func decodeParquetRow(prow parquet.Row, leaves []int) models.Row {
	byLeaf := make(map[int]parquet.Value, len(prow))
	for _, v := range prow {
		byLeaf[v.Column()] = v
	}
	row := make(models.Row, len(leaves))
	for i, leaf := range leaves {
		v, ok := byLeaf[leaf]
		if !ok || v.IsNull() {
			row[i] = models.Null()
			continue
		}
		row[i] = models.Value(string(v.ByteArray()))
	}
	return row
}
