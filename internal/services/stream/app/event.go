package server

import (
	"time"

	"github.com/louisbranch/phenostream/internal/phenobase"
)

// RowSummary carries the identity and display fields of one appended row.
// Identity is the unique patch path; the filename is display-only.
type RowSummary struct {
	Identity string `json:"identity"`
	Filename string `json:"filename"`
	Position int    `json:"pos"`
}

// ChangeEvent records one append-growth increment of the source table.
// Immutable once emitted; NewRows holds only the rows appended since the
// previous baseline, never a cumulative list.
type ChangeEvent struct {
	AddedCount int
	TotalCount int
	NewRows    []RowSummary
	Timestamp  time.Time
}

func summarize(records []phenobase.Record) []RowSummary {
	summaries := make([]RowSummary, len(records))
	for i, record := range records {
		summaries[i] = RowSummary{
			Identity: record.Identity,
			Filename: record.Filename,
			Position: record.Position,
		}
	}
	return summaries
}
