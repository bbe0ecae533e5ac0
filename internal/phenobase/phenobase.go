// Package phenobase models the append-only phenotype image table and its
// on-disk CSV form.
//
// The table carries a fixed two-row header: a category row followed by the
// field-name row. Row identity for diffing is a designated patch-path column
// whose values are unique per row; the human-readable acquisition filename is
// not unique and must never be used for identity matching.
package phenobase

import (
	"strings"
	"time"
)

// Well-known column names in the phenobase table.
const (
	FilenameColumn = "czi_filename"
	PositionColumn = "pos"

	// PatchColumnPrefix marks the columns holding relative patch image paths.
	PatchColumnPrefix = "patches_2d_"
	patchColumnSuffix = "_path"
)

// DefaultIdentityColumn is the patch-path column used for row identity when
// none is configured.
const DefaultIdentityColumn = "patches_2d_ch0_tl_exp_path"

// Record is one data row of the table.
type Record struct {
	// Identity is the value of the designated identity column. Unique per row.
	Identity string
	// Filename is the acquisition file name. Display only; not unique.
	Filename string
	// Position is the imaging position the row was captured at.
	Position int
	// PatchPaths maps patch-path column names to their values.
	PatchPaths map[string]string
	// Captured holds time information parsed from Filename, when present.
	Captured CaptureInfo
}

// CaptureInfo is the acquisition time parsed from a filename such as
// PK2_BAR_5to20_20240311_AM_03. Absent or unparseable parts leave the zero
// value.
type CaptureInfo struct {
	Date   time.Time
	Period string // "AM" or "PM", empty when unknown
}

// Valid reports whether a capture date was recovered from the filename.
func (c CaptureInfo) Valid() bool {
	return !c.Date.IsZero()
}

// String renders the capture info the way viewers display it.
func (c CaptureInfo) String() string {
	if !c.Valid() {
		return "N/A"
	}
	date := c.Date.Format("2006-01-02")
	if c.Period == "" {
		return date
	}
	return date + " " + c.Period
}

// ParseCaptureInfo extracts date and AM/PM period from an acquisition
// filename. The date is the first underscore-separated part that is exactly
// eight digits; the period is the part immediately after it when it reads AM
// or PM.
func ParseCaptureInfo(filename string) CaptureInfo {
	parts := strings.Split(filename, "_")
	for i, part := range parts {
		if len(part) != 8 || !isDigits(part) {
			continue
		}
		date, err := time.Parse("20060102", part)
		if err != nil {
			return CaptureInfo{}
		}
		info := CaptureInfo{Date: date}
		if i+1 < len(parts) {
			if next := parts[i+1]; next == "AM" || next == "PM" {
				info.Period = next
			}
		}
		return info
	}
	return CaptureInfo{}
}

// PatchType converts a patch-path column name to its short type name, e.g.
// patches_2d_ch0_tl_exp_path -> ch0_tl_exp. Empty when the column is not a
// patch column.
func PatchType(column string) string {
	if !strings.HasPrefix(column, PatchColumnPrefix) || !strings.HasSuffix(column, patchColumnSuffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(column, PatchColumnPrefix), patchColumnSuffix)
}

// PatchColumn converts a short patch type name to its column name.
func PatchColumn(patchType string) string {
	return PatchColumnPrefix + patchType + patchColumnSuffix
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
