package grouping

import (
	"strings"

	"github.com/tinytelemetry/faultline/internal/model"
)

// KeySeparator joins the per-dimension parts of a group key.
const KeySeparator = "~"

// KeyBuilder derives a group key from an error. It holds no mutable state
// and is safe for concurrent use.
type KeyBuilder struct {
	dims []Dimension
}

// NewKeyBuilder returns a builder for the given dimensions, in order.
func NewKeyBuilder(dims ...Dimension) (*KeyBuilder, error) {
	if err := validateDimensions(dims); err != nil {
		return nil, err
	}
	return &KeyBuilder{dims: append([]Dimension(nil), dims...)}, nil
}

// Dimensions returns a copy of the configured dimensions.
func (b *KeyBuilder) Dimensions() []Dimension {
	return append([]Dimension(nil), b.dims...)
}

// Key returns the group key for err: the value of each dimension in
// configured order, joined with KeySeparator.
func (b *KeyBuilder) Key(err *model.Error) string {
	parts := make([]string, 0, len(b.dims))
	for _, d := range b.dims {
		switch d {
		case DimensionURL:
			parts = append(parts, StripQuery(err.URL()))
		case DimensionException:
			parts = append(parts, err.Type())
		}
	}
	return strings.Join(parts, KeySeparator)
}

// StripQuery truncates u at the first '?' or '#'.
func StripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
