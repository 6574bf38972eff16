package grouping

import (
	"fmt"
	"strings"
)

// Dimension is one attribute of an error that contributes to its group key.
type Dimension int

const (
	// DimensionURL groups by request URL with query and fragment removed.
	DimensionURL Dimension = iota + 1
	// DimensionException groups by the error's type name.
	DimensionException
)

func (d Dimension) String() string {
	switch d {
	case DimensionURL:
		return "Url"
	case DimensionException:
		return "Exception"
	default:
		return fmt.Sprintf("Dimension(%d)", int(d))
	}
}

func (d Dimension) valid() bool {
	return d == DimensionURL || d == DimensionException
}

// ParseDimension parses a single dimension name, case-insensitively.
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "url":
		return DimensionURL, nil
	case "exception":
		return DimensionException, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDimension, s)
	}
}

// ParseDimensions parses a comma-separated list such as "Exception,Url".
// Order is preserved and determines key layout. Blank entries are skipped;
// an empty result is ErrNoDimensions.
func ParseDimensions(s string) ([]Dimension, error) {
	var dims []Dimension
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := ParseDimension(part)
		if err != nil {
			return nil, err
		}
		dims = append(dims, d)
	}
	if err := validateDimensions(dims); err != nil {
		return nil, err
	}
	return dims, nil
}

// FormatDimensions renders dims in the form accepted by ParseDimensions.
func FormatDimensions(dims []Dimension) string {
	names := make([]string, len(dims))
	for i, d := range dims {
		names[i] = d.String()
	}
	return strings.Join(names, ",")
}

func validateDimensions(dims []Dimension) error {
	if len(dims) == 0 {
		return ErrNoDimensions
	}
	seen := make(map[Dimension]bool, len(dims))
	for _, d := range dims {
		if !d.valid() {
			return fmt.Errorf("%w: %s", ErrUnknownDimension, d)
		}
		if seen[d] {
			return fmt.Errorf("%w: %s", ErrDuplicateDimension, d)
		}
		seen[d] = true
	}
	return nil
}
