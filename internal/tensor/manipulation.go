package tensor

import "fmt"

// Stack joins same-shaped tensors along a new leading axis.
//
// Example: N tensors of shape [C,H,W] become one [N,C,H,W] tensor.
func Stack(items []*Dense) (*Dense, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	first := items[0].shape
	for i, it := range items[1:] {
		if !it.shape.Equal(first) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, expected %v", i+1, it.shape, first)
		}
	}

	shape := make(Shape, 0, len(first)+1)
	shape = append(shape, len(items))
	shape = append(shape, first...)

	size := first.NumElements()
	data := make([]float32, 0, size*len(items))
	for _, it := range items {
		data = append(data, it.data...)
	}
	return &Dense{shape: shape, data: data}, nil
}

// Concat joins tensors along axis. All other dimensions must match.
//
// Typical uses: image + auxiliary channels ([C1,H,W] ++ [C2,H,W], axis 0) and
// U-Net skip connections ([N,C1,H,W] ++ [N,C2,H,W], axis 1).
func Concat(axis int, items ...*Dense) (*Dense, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	rank := len(items[0].shape)
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat: axis %d out of range for rank %d", axis, rank)
	}

	outShape := items[0].shape.Clone()
	outShape[axis] = 0
	for i, it := range items {
		if len(it.shape) != rank {
			return nil, fmt.Errorf("concat: tensor %d has rank %d, expected %d", i, len(it.shape), rank)
		}
		for d := range rank {
			if d != axis && it.shape[d] != items[0].shape[d] {
				return nil, fmt.Errorf("concat: tensor %d has shape %v, incompatible with %v on axis %d",
					i, it.shape, items[0].shape, d)
			}
		}
		outShape[axis] += it.shape[axis]
	}

	// outer = product of dims before axis, inner = product of dims after axis.
	outer := 1
	for d := 0; d < axis; d++ {
		outer *= outShape[d]
	}
	inner := 1
	for d := axis + 1; d < rank; d++ {
		inner *= outShape[d]
	}

	out := &Dense{shape: outShape, data: make([]float32, outShape.NumElements())}
	offset := 0
	for o := range outer {
		for _, it := range items {
			chunk := it.shape[axis] * inner
			copy(out.data[offset:offset+chunk], it.data[o*chunk:(o+1)*chunk])
			offset += chunk
		}
	}
	return out, nil
}

// Split is the inverse of Concat: it cuts d along axis into pieces of the
// given sizes.
func Split(d *Dense, axis int, sizes ...int) ([]*Dense, error) {
	rank := len(d.shape)
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("split: axis %d out of range for rank %d", axis, rank)
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != d.shape[axis] {
		return nil, fmt.Errorf("split: sizes %v do not sum to dimension %d", sizes, d.shape[axis])
	}

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= d.shape[i]
	}
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= d.shape[i]
	}

	parts := make([]*Dense, len(sizes))
	for i, s := range sizes {
		shape := d.shape.Clone()
		shape[axis] = s
		parts[i] = &Dense{shape: shape, data: make([]float32, shape.NumElements())}
	}

	offset := 0
	for o := range outer {
		for i, s := range sizes {
			chunk := s * inner
			copy(parts[i].data[o*chunk:(o+1)*chunk], d.data[offset:offset+chunk])
			offset += chunk
		}
	}
	return parts, nil
}
