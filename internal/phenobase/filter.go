package phenobase

import (
	"sort"
	"time"
)

// Filter narrows records the way the projection view selects them: by
// imaging position and by presence of a patch image for the requested type.
// A negative position or empty patch type leaves that dimension unfiltered.
func Filter(records []Record, patchType string, position int) []Record {
	column := ""
	if patchType != "" {
		column = PatchColumn(patchType)
	}

	filtered := make([]Record, 0, len(records))
	for _, record := range records {
		if position >= 0 && record.Position != position {
			continue
		}
		if column != "" {
			if _, ok := record.PatchPaths[column]; !ok {
				continue
			}
		}
		filtered = append(filtered, record)
	}
	return filtered
}

// Window narrows records to those captured inside [from, to]. Records with no
// recoverable capture date are excluded. Zero bounds leave that side open.
func Window(records []Record, from, to time.Time) []Record {
	filtered := make([]Record, 0, len(records))
	for _, record := range records {
		if !record.Captured.Valid() {
			continue
		}
		date := record.Captured.Date
		if !from.IsZero() && date.Before(from) {
			continue
		}
		if !to.IsZero() && date.After(to) {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

// PatchTypes lists the distinct patch types present across records, sorted.
func PatchTypes(records []Record) []string {
	seen := make(map[string]struct{})
	var types []string
	for _, record := range records {
		for column := range record.PatchPaths {
			patchType := PatchType(column)
			if patchType == "" {
				continue
			}
			if _, ok := seen[patchType]; ok {
				continue
			}
			seen[patchType] = struct{}{}
			types = append(types, patchType)
		}
	}
	sort.Strings(types)
	return types
}
