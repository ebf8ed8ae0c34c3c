package dataset

import (
	"fmt"

	"github.com/tsawler/go-crnn/tensor"
)

// SpectrogramDataset adapts an Archive subset to the training Dataset
// interface. Each example is served as a [1, H, W] float32 tensor sharing
// the archive's backing array, with its label as a [1] int32 tensor.
type SpectrogramDataset struct {
	archive *Archive
	indices []int
}

// NewSpectrogramDataset wraps the given examples of an archive. A nil index
// slice means the whole archive.
func NewSpectrogramDataset(archive *Archive, indices []int) *SpectrogramDataset {
	if indices == nil {
		indices = make([]int, archive.NumExamples())
		for i := range indices {
			indices[i] = i
		}
	}
	return &SpectrogramDataset{archive: archive, indices: indices}
}

// Len returns the number of examples in this subset.
func (d *SpectrogramDataset) Len() int {
	return len(d.indices)
}

// Get returns one example as ([1, H, W] features, [1] label).
func (d *SpectrogramDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.indices) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.indices))
	}
	i := d.indices[idx]

	size := d.archive.ExampleSize()
	features := d.archive.Features[i*size : (i+1)*size]
	data, err := tensor.NewTensor([]int{1, d.archive.Shape[1], d.archive.Shape[2]}, tensor.Float32, features)
	if err != nil {
		return nil, nil, err
	}

	label, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{int32(d.archive.Labels[i])})
	if err != nil {
		return nil, nil, err
	}
	return data, label, nil
}
