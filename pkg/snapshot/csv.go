package snapshot

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ellisisland/reconciler/pkg/models"
)

const (
	csvNull      = `\N`
	csvEmpty     = `\E`
	csvEscape    = `\`
	csvKeyMarker = "#"
)

// csvCellEscaper escapes values that start with a backslash or carry a
// carriage return; encoding/csv drops the CR of a CRLF even when quoted.
var csvCellEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`)

// writeCSV writes a header row and one line per row. Null cells are written
// as \N. Values that start with a backslash or contain a carriage return are
// written with a leading backslash, their backslashes doubled and CR as \r.
// The row-key column keeps its position and is marked with #. encoding/csv
// writes a lone empty field as a blank line, which readers skip, so that one
// case is written as \E.
func writeCSV(w io.Writer, rel *models.Relation) error {
	if len(rel.Columns) == 0 {
		return errors.New("relation has no columns")
	}
	header := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		if c == "" {
			return fmt.Errorf("column %d has an empty name", i)
		}
		if strings.HasPrefix(c, csvKeyMarker) {
			return fmt.Errorf("column %q: names starting with %q are reserved", c, csvKeyMarker)
		}
		header[i] = c
		if c == rel.KeyColumn {
			header[i] = csvKeyMarker + c
		}
	}
	if rel.KeyColumn != "" && rel.ColumnIndex(rel.KeyColumn) < 0 {
		return fmt.Errorf("key column %q is not a column", rel.KeyColumn)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(rel.Columns))
	for _, row := range rel.Rows {
		if len(row) != len(rel.Columns) {
			return fmt.Errorf("row has %d values, relation has %d columns", len(row), len(rel.Columns))
		}
		for i, cell := range row {
			record[i] = encodeCSVCell(cell)
		}
		if len(record) == 1 && record[0] == "" {
			record[0] = csvEmpty
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeCSVCell(cell sql.NullString) string {
	if !cell.Valid {
		return csvNull
	}
	if strings.HasPrefix(cell.String, csvEscape) || strings.Contains(cell.String, "\r") {
		return csvEscape + csvCellEscaper.Replace(cell.String)
	}
	return cell.String
}

func decodeCSVCell(s string) sql.NullString {
	switch s {
	case csvNull:
		return models.Null()
	case csvEmpty:
		return models.Value("")
	}
	if body, ok := strings.CutPrefix(s, csvEscape); ok {
		return models.Value(unescapeCSVCell(body))
	}
	return models.Value(s)
}

// unescapeCSVCell reverses csvCellEscaper. Unknown escapes are kept as is.
func unescapeCSVCell(s string) string {
	if !strings.Contains(s, csvEscape) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func readCSV(r io.Reader) (*models.Relation, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return models.NewRelation(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rel := models.NewRelation()
	for _, h := range header {
		if name, ok := strings.CutPrefix(h, csvKeyMarker); ok {
			if rel.KeyColumn != "" {
				return nil, fmt.Errorf("more than one key column: %q and %q", rel.KeyColumn, name)
			}
			rel.KeyColumn = name
			h = name
		}
		rel.Columns = append(rel.Columns, h)
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rel.Len()+1, err)
		}
		row := make(models.Row, len(record))
		for i, s := range record {
			row[i] = decodeCSVCell(s)
		}
		rel.Rows = append(rel.Rows, row)
	}
	return rel, nil
}
