package tool

import (
	"encoding/json"
	"fmt"

	"opsdesk/internal/domain"
)

// CappedRows is the payload shape of every row-returning tool.
type CappedRows struct {
	Rows      []domain.Record `json:"rows"`
	RowCount  int             `json:"row_count"`
	TotalRows int             `json:"total_rows"`
	Truncated bool            `json:"truncated,omitempty"`
	Note      string          `json:"note,omitempty"`
}

// CapRows bounds a result set first to rowCap rows and then, if the JSON
// encoding still exceeds byteCap bytes, to fallbackRows rows. Zero caps are
// ignored.
func CapRows(rows []domain.Record, rowCap, byteCap, fallbackRows int) CappedRows {
	if rows == nil {
		rows = []domain.Record{}
	}
	out := CappedRows{Rows: rows, TotalRows: len(rows)}

	if rowCap > 0 && len(out.Rows) > rowCap {
		out.Rows = out.Rows[:rowCap]
		out.Truncated = true
		out.Note = fmt.Sprintf("showing the first %d of %d rows; narrow the query for more", rowCap, out.TotalRows)
	}

	if byteCap > 0 && fallbackRows > 0 && len(out.Rows) > fallbackRows {
		if data, err := json.Marshal(out.Rows); err == nil && len(data) > byteCap {
			out.Rows = out.Rows[:fallbackRows]
			out.Truncated = true
			out.Note = fmt.Sprintf("result exceeded %d bytes; showing the first %d of %d rows", byteCap, fallbackRows, out.TotalRows)
		}
	}

	out.RowCount = len(out.Rows)
	return out
}
