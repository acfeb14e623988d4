package reconcile

import (
	"database/sql"
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/ellisisland/reconciler/pkg/models"
)

// rowIndex finds rows by content. Rows are bucketed by an xxh3 hash of their
// cells; buckets are resolved by comparing cells.
type rowIndex struct {
	buckets map[uint64][]int
	buf     []byte
}

func newRowIndex(capacity int) *rowIndex {
	return &rowIndex{buckets: make(map[uint64][]int, capacity)}
}

// hash encodes each cell as a validity byte, a length and the bytes so that
// null, empty and adjacent values never encode alike.
func (x *rowIndex) hash(row models.Row) uint64 {
	buf := x.buf[:0]
	for _, cell := range row {
		if !cell.Valid {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(cell.String)))
		buf = append(buf, cell.String...)
	}
	x.buf = buf
	return xxh3.Hash(buf)
}

// find returns the position recorded for row, using at to read back stored rows.
func (x *rowIndex) find(h uint64, row models.Row, at func(int) models.Row) (int, bool) {
	for _, pos := range x.buckets[h] {
		if at(pos).Equal(row) {
			return pos, true
		}
	}
	return 0, false
}

func (x *rowIndex) insert(h uint64, pos int) {
	x.buckets[h] = append(x.buckets[h], pos)
}

// distinctRows returns the rows of batch with duplicates removed, in first-seen order.
func distinctRows(batch []models.Row) []models.Row {
	idx := newRowIndex(len(batch))
	out := make([]models.Row, 0, len(batch))
	at := func(i int) models.Row { return out[i] }
	for _, row := range batch {
		h := idx.hash(row)
		if _, ok := idx.find(h, row, at); ok {
			continue
		}
		idx.insert(h, len(out))
		out = append(out, row)
	}
	return out
}

// accumulator collects one strategy's rows for one table across batches.
// Each key tuple is kept once. A later null for a known key is dropped, a
// later uuid replaces a null, and two different uuids are a fan-out.
type accumulator struct {
	table    string
	strategy string
	index    *rowIndex
	rows     []models.ReconciledRow

	duplicates int
}

func newAccumulator(table, strategy string) *accumulator {
	return &accumulator{table: table, strategy: strategy, index: newRowIndex(0)}
}

func (a *accumulator) add(key models.Row, uuid sql.NullString) error {
	h := a.index.hash(key)
	pos, found := a.index.find(h, key, func(i int) models.Row { return a.rows[i].Key })
	if !found {
		a.index.insert(h, len(a.rows))
		a.rows = append(a.rows, models.ReconciledRow{
			Key:          key.Clone(),
			ResolvedUUID: uuid,
			SourceTable:  a.table,
		})
		return nil
	}

	existing := &a.rows[pos]
	switch {
	case existing.ResolvedUUID == uuid, !uuid.Valid:
		a.duplicates++
		return nil
	case !existing.ResolvedUUID.Valid:
		existing.ResolvedUUID = uuid
		a.duplicates++
		return nil
	default:
		return &FanOutError{
			Table:    a.table,
			Strategy: a.strategy,
			Key:      key.Clone(),
			UUIDs:    []string{existing.ResolvedUUID.String, uuid.String},
		}
	}
}

func (a *accumulator) result(keyColumns []string) *models.ReconciliationResult {
	res := &models.ReconciliationResult{
		Table:      a.table,
		Strategy:   a.strategy,
		KeyColumns: append([]string(nil), keyColumns...),
		Rows:       a.rows,
	}
	if res.Rows == nil {
		res.Rows = []models.ReconciledRow{}
	}
	res.Finalize()
	return res
}
