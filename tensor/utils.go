package tensor

import "fmt"

// ShapesEqual reports whether two shapes have the same rank and dimensions
func ShapesEqual(a, b []int) bool {
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

// AddInPlace accumulates src into dst element-wise
func AddInPlace(dst, src *Tensor) error {
	if !dst.SameShape(src) {
		return fmt.Errorf("shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Add returns a + b as a new tensor
func Add(a, b *Tensor) (*Tensor, error) {
	out := a.Clone()
	if err := AddInPlace(out, b); err != nil {
		return nil, err
	}
	return out, nil
}

// Concat2D joins two [N, A] and [N, B] tensors into [N, A+B]
func Concat2D(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("concat requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("batch size mismatch: %d vs %d", a.Shape[0], b.Shape[0])
	}
	n, wa, wb := a.Shape[0], a.Shape[1], b.Shape[1]
	out := Zeros(n, wa+wb)
	for i := 0; i < n; i++ {
		row := out.Data[i*(wa+wb) : (i+1)*(wa+wb)]
		copy(row[:wa], a.Data[i*wa:(i+1)*wa])
		copy(row[wa:], b.Data[i*wb:(i+1)*wb])
	}
	return out, nil
}

// Split2D is the inverse of Concat2D: it cuts [N, A+B] into [N, A] and [N, B]
func Split2D(t *Tensor, widthA int) (*Tensor, *Tensor, error) {
	if t.Rank() != 2 {
		return nil, nil, fmt.Errorf("split requires a 2D tensor, got %v", t.Shape)
	}
	n, w := t.Shape[0], t.Shape[1]
	if widthA <= 0 || widthA >= w {
		return nil, nil, fmt.Errorf("split width %d out of range for %d columns", widthA, w)
	}
	widthB := w - widthA
	a := Zeros(n, widthA)
	b := Zeros(n, widthB)
	for i := 0; i < n; i++ {
		row := t.Data[i*w : (i+1)*w]
		copy(a.Data[i*widthA:(i+1)*widthA], row[:widthA])
		copy(b.Data[i*widthB:(i+1)*widthB], row[widthA:])
	}
	return a, b, nil
}

// Stack copies equally sized samples into one [len(samples), shape...] batch
func Stack(samples [][]float32, shape ...int) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero samples")
	}
	per := calculateNumElements(shape)
	out := Zeros(append([]int{len(samples)}, shape...)...)
	for i, s := range samples {
		if len(s) != per {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", i, len(s), per)
		}
		copy(out.Data[i*per:(i+1)*per], s)
	}
	return out, nil
}
