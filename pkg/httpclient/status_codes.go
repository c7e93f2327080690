package httpclient

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefaultRetryableStatusCodes lists the statuses a media request is retried on.
const DefaultRetryableStatusCodes = "404,412,415,500-599"

// StatusCodeRange is an inclusive range of HTTP status codes.
type StatusCodeRange struct {
	Min int
	Max int
}

// Contains returns true if the code falls within this range.
func (r StatusCodeRange) Contains(code int) bool {
	return code >= r.Min && code <= r.Max
}

func (r StatusCodeRange) String() string {
	if r.Min == r.Max {
		return strconv.Itoa(r.Min)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// StatusCodeSet is a set of HTTP status codes written as "404,412,500-599".
// A nil set contains nothing.
type StatusCodeSet struct {
	ranges []StatusCodeRange
}

// ParseStatusCodes parses a comma separated list of codes and ranges.
// Returns nil for an empty input.
func ParseStatusCodes(s string) (*StatusCodeSet, error) {
	set := &StatusCodeSet{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		minCode, err := parseCode(lo)
		if err != nil {
			return nil, err
		}
		maxCode := minCode
		if isRange {
			if maxCode, err = parseCode(hi); err != nil {
				return nil, err
			}
			if minCode > maxCode {
				return nil, fmt.Errorf("invalid range %d-%d: min > max", minCode, maxCode)
			}
		}
		set.ranges = append(set.ranges, StatusCodeRange{Min: minCode, Max: maxCode})
	}

	if len(set.ranges) == 0 {
		return nil, nil
	}
	slices.SortFunc(set.ranges, func(a, b StatusCodeRange) int { return a.Min - b.Min })
	return set, nil
}

func parseCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q: %w", s, err)
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("invalid HTTP status code %d: must be 100-599", code)
	}
	return code, nil
}

// MustParseStatusCodes is like ParseStatusCodes but panics on error.
func MustParseStatusCodes(s string) *StatusCodeSet {
	set, err := ParseStatusCodes(s)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains returns true if the status code is in the set.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	return slices.ContainsFunc(s.ranges, func(r StatusCodeRange) bool { return r.Contains(code) })
}

// IsEmpty returns true if the set has no codes.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || len(s.ranges) == 0
}

// String returns the set in its parseable form, sorted by code.
func (s *StatusCodeSet) String() string {
	if s.IsEmpty() {
		return ""
	}
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
