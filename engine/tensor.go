package engine

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is the wire form of a float32 tensor. Data holds the values as
// little-endian float32 and is base64 encoded in JSON.
type Tensor struct {
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

// EncodeTensor packs values of the given shape
func EncodeTensor(values []float32, shape []int) (Tensor, error) {
	if n := numElements(shape); n != len(values) {
		return Tensor{}, fmt.Errorf("shape %v holds %d values, got %d", shape, n, len(values))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Values unpacks the tensor
func (t Tensor) Values() ([]float32, error) {
	n := numElements(t.Shape)
	if n < 0 || len(t.Data) != 4*n {
		return nil, fmt.Errorf("tensor of shape %v carries %d bytes", t.Shape, len(t.Data))
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return values, nil
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return -1
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}
