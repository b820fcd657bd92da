package tensor

import (
	"fmt"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Size(shape)),
	}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Unsqueeze returns a view with a leading unit dimension.
func (t *Tensor) Unsqueeze() *Tensor {
	return &Tensor{
		Shape: append([]int{1}, t.Shape...),
		Data:  t.Data,
	}
}

// Slice returns a view of the i-th entry along the leading dimension.
func (t *Tensor) Slice(i int) *Tensor {
	inner := Size(t.Shape[1:])
	return &Tensor{
		Shape: append([]int(nil), t.Shape[1:]...),
		Data:  t.Data[i*inner : (i+1)*inner],
	}
}

// Stack concatenates equally shaped tensors along a new leading dimension.
func Stack(parts []*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	shape := parts[0].Shape
	out := New(append([]int{len(parts)}, shape...)...)
	inner := Size(shape)
	for i, p := range parts {
		if !SameShape(p.Shape, shape) {
			return nil, fmt.Errorf("cannot stack shape %v with %v", p.Shape, shape)
		}
		copy(out.Data[i*inner:], p.Data)
	}
	return out, nil
}

func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MinMax returns the smallest and largest element.
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
