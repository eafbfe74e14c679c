package binding

import (
	"math"
	"strconv"
	"strings"
)

// UnspecifiedDim marks an unknown batch size. It is only valid as the first
// dimension and allocates as a batch of one.
const UnspecifiedDim int64 = -1

// Shape is an ordered list of tensor dimensions.
type Shape []int64

// NewShape builds a Shape from dims.
func NewShape(dims ...int64) Shape {
	return Shape(append([]int64(nil), dims...))
}

// Validate rejects negative dimensions other than a leading UnspecifiedDim.
func (s Shape) Validate() error {
	for i, d := range s {
		if d >= 0 {
			continue
		}
		if d == UnspecifiedDim && i == 0 {
			continue
		}
		return newError(KindInvalidArgument, PhaseTensor, "shape %v has invalid dimension %d at index %d", []int64(s), d, i)
	}
	return nil
}

// Concrete returns a copy of s with a leading UnspecifiedDim replaced by 1.
func (s Shape) Concrete() Shape {
	out := s.Clone()
	if len(out) > 0 && out[0] == UnspecifiedDim {
		out[0] = 1
	}
	return out
}

// ElementCount returns the number of elements the concrete shape holds.
// A rank-0 shape holds one element.
func (s Shape) ElementCount() (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	count := int64(1)
	for _, d := range s.Concrete() {
		if d == 0 {
			return 0, nil
		}
		if count > math.MaxInt64/d {
			return 0, newError(KindInvalidArgument, PhaseTensor, "shape %v overflows element count", []int64(s))
		}
		count *= d
	}
	return count, nil
}

// ScalarWithBatch keeps the rank and the leading dimension of s and sets
// every later dimension to 1.
func (s Shape) ScalarWithBatch() Shape {
	out := make(Shape, len(s))
	for i := range out {
		if i == 0 {
			out[i] = s[0]
			continue
		}
		out[i] = 1
	}
	return out
}

// Clone returns a copy of s.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equal reports whether s and other have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseShape parses a comma-separated dimension list such as "1,384" or
// "-1,128". Blank input yields a scalar shape.
func ParseShape(value string) (Shape, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Shape{}, nil
	}
	parts := strings.Split(value, ",")
	shape := make(Shape, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, &Error{
				Kind:    KindInvalidArgument,
				Phase:   PhaseTensor,
				Message: formatBounded(DefaultMessageCapacity, "invalid shape dimension %q", part),
				Cause:   err,
			}
		}
		shape = append(shape, dim)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return shape, nil
}
