// Package pages parses page-selection expressions like "1-3,5,7-9".
// Keep this package free of transport (HTTP) and rendering concerns.
package pages

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseRange expands a page-range expression into a sorted, deduplicated
// list of 1-indexed page numbers. maxPages is the page count of the
// document; every referenced page must fall within 1..maxPages.
//
// Grammar: parts separated by commas, each part either a single number
// ("5") or an inclusive range ("7-9"). Spaces are ignored.
func ParseRange(expr string, maxPages int) ([]int, error) {
	if maxPages < 1 {
		return nil, fmt.Errorf("document has no pages")
	}

	cleaned := strings.ReplaceAll(expr, " ", "")
	if cleaned == "" {
		return nil, fmt.Errorf("page range is empty")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(cleaned, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			if len(bounds) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err1 := strconv.Atoi(bounds[0])
			end, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid numbers in range: %s", part)
			}
			if start < 1 || end > maxPages || start > end {
				return nil, fmt.Errorf("range %s out of valid bounds (1-%d)", part, maxPages)
			}
			for p := start; p <= end; p++ {
				seen[p] = struct{}{}
			}
			continue
		}

		page, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid page number: %s", part)
		}
		if page < 1 || page > maxPages {
			return nil, fmt.Errorf("page %d out of valid bounds (1-%d)", page, maxPages)
		}
		seen[page] = struct{}{}
	}

	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
