// Package tensor provides the dense float32 tensors used by the segmentation
// trainer.
//
// Tensors are stored row-major. Image data follows the NCHW convention:
//
//	[batch, channels, height, width]
//
// A single image drops the batch axis ([C,H,W]) and a class-index mask drops
// the channel axis ([H,W] or [N,H,W]).
package tensor

import (
	"fmt"
	"math"
)

// Dense is a contiguous row-major float32 tensor.
type Dense struct {
	shape Shape
	data  []float32
}

// New allocates a zero-filled tensor.
func New(shape Shape) (*Dense, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Dense{
		shape: shape.Clone(),
		data:  make([]float32, shape.NumElements()),
	}, nil
}

// Zeros allocates a zero-filled tensor and panics on an invalid shape.
//
// Intended for shapes derived from already-validated tensors.
func Zeros(shape ...int) *Dense {
	d, err := New(Shape(shape))
	if err != nil {
		panic(err)
	}
	return d
}

// Full allocates a tensor with every element set to value.
func Full(value float32, shape ...int) *Dense {
	d := Zeros(shape...)
	for i := range d.data {
		d.data[i] = value
	}
	return d
}

// FromSlice wraps data in a tensor of the given shape without copying.
func FromSlice(data []float32, shape Shape) (*Dense, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	return &Dense{shape: shape.Clone(), data: data}, nil
}

// Shape returns the tensor's shape. Callers must not modify it.
func (d *Dense) Shape() Shape {
	return d.shape
}

// Data returns the backing slice.
func (d *Dense) Data() []float32 {
	return d.data
}

// Len returns the number of elements.
func (d *Dense) Len() int {
	return len(d.data)
}

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	data := make([]float32, len(d.data))
	copy(data, d.data)
	return &Dense{shape: d.shape.Clone(), data: data}
}

// ZerosLike allocates a zero tensor with the same shape.
func (d *Dense) ZerosLike() *Dense {
	return &Dense{shape: d.shape.Clone(), data: make([]float32, len(d.data))}
}

// Reshape returns a view with a new shape over the same data.
func (d *Dense) Reshape(shape ...int) (*Dense, error) {
	return FromSlice(d.data, Shape(shape))
}

// Fill sets every element to value.
func (d *Dense) Fill(value float32) {
	for i := range d.data {
		d.data[i] = value
	}
}

// Scale multiplies every element by f in place.
func (d *Dense) Scale(f float32) {
	for i := range d.data {
		d.data[i] *= f
	}
}

// AddInPlace adds other element-wise into d.
func (d *Dense) AddInPlace(other *Dense) error {
	if !d.shape.Equal(other.shape) {
		return fmt.Errorf("add: shape mismatch %v vs %v", d.shape, other.shape)
	}
	for i, v := range other.data {
		d.data[i] += v
	}
	return nil
}

// AllFinite reports whether no element is NaN or ±Inf.
func (d *Dense) AllFinite() bool {
	for _, v := range d.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// MaxAbs returns the largest absolute value, or NaN if any element is NaN.
func (d *Dense) MaxAbs() float32 {
	var m float32
	for _, v := range d.data {
		if v != v {
			return v
		}
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// Sum returns the float64 sum of all elements.
func (d *Dense) Sum() float64 {
	var s float64
	for _, v := range d.data {
		s += float64(v)
	}
	return s
}

// Float64s copies the data into a new float64 slice.
func (d *Dense) Float64s() []float64 {
	out := make([]float64, len(d.data))
	for i, v := range d.data {
		out[i] = float64(v)
	}
	return out
}
