// Package dataset loads precomputed mel-spectrogram feature archives and
// prepares them for training: singleton-class filtering, stratified
// train/validation splitting, and a Dataset adapter adding the channel
// dimension expected by the convolutional encoder.
package dataset

import (
	"archive/zip"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/sbinet/npyio"
)

// Archive holds the decoded contents of a feature archive: a flat row-major
// feature block of shape [N, H, W] and one integer class index per example.
// Labels are normalized to contiguous indices 0..NumClasses-1; ClassLabels
// maps each index back to the original label value.
type Archive struct {
	Features []float32
	Shape    []int // [N, H, W]
	Labels   []int
	ClassLabels []int
}

// NumExamples returns the number of examples in the archive.
func (a *Archive) NumExamples() int { return a.Shape[0] }

// NumClasses returns the number of distinct classes.
func (a *Archive) NumClasses() int { return len(a.ClassLabels) }

// ExampleSize returns the number of floats per example.
func (a *Archive) ExampleSize() int { return a.Shape[1] * a.Shape[2] }

// LoadArchive reads an NPZ feature archive containing a `data` entry of
// shape [N, H, W] (a singleton channel axis [N, 1, H, W] is squeezed) and a
// `labels` entry of N integers. Both float and integer storage types are
// accepted for labels.
func LoadArchive(path string) (*Archive, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer reader.Close()

	var dataFile, labelsFile *zip.File
	for _, f := range reader.File {
		switch f.Name {
		case "data.npy", "data":
			dataFile = f
		case "labels.npy", "labels":
			labelsFile = f
		}
	}
	if dataFile == nil || labelsFile == nil {
		return nil, fmt.Errorf("archive %s must contain data and labels entries", path)
	}

	features, shape, err := readFloatEntry(dataFile)
	if err != nil {
		return nil, fmt.Errorf("archive %s: data entry: %w", path, err)
	}
	// Squeeze a singleton channel axis.
	if len(shape) == 4 && shape[1] == 1 {
		shape = []int{shape[0], shape[2], shape[3]}
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("archive %s: data must be [N, H, W], got shape %v", path, shape)
	}

	rawLabels, err := readIntEntry(labelsFile)
	if err != nil {
		return nil, fmt.Errorf("archive %s: labels entry: %w", path, err)
	}
	if len(rawLabels) != shape[0] {
		return nil, fmt.Errorf("archive %s: %d examples but %d labels", path, shape[0], len(rawLabels))
	}

	labels, classLabels := normalizeLabels(rawLabels)
	return &Archive{
		Features:    features,
		Shape:       shape,
		Labels:      labels,
		ClassLabels: classLabels,
	}, nil
}

// normalizeLabels maps arbitrary integer label values to contiguous indices
// ordered by ascending label value.
func normalizeLabels(raw []int) (labels []int, classLabels []int) {
	seen := make(map[int]bool)
	for _, l := range raw {
		if !seen[l] {
			seen[l] = true
			classLabels = append(classLabels, l)
		}
	}
	sort.Ints(classLabels)

	index := make(map[int]int, len(classLabels))
	for i, l := range classLabels {
		index[l] = i
	}
	labels = make([]int, len(raw))
	for i, l := range raw {
		labels[i] = index[l]
	}
	return labels, classLabels
}

func readFloatEntry(f *zip.File) ([]float32, []int, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	r, err := npyio.NewReader(rc)
	if err != nil {
		return nil, nil, err
	}
	shape := append([]int{}, r.Header.Descr.Shape...)

	switch r.Header.Descr.Type {
	case "<f4", "|f4", ">f4":
		var data []float32
		if err := r.Read(&data); err != nil {
			return nil, nil, err
		}
		return data, shape, nil
	case "<f8", "|f8", ">f8":
		var data []float64
		if err := r.Read(&data); err != nil {
			return nil, nil, err
		}
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, shape, nil
	default:
		return nil, nil, fmt.Errorf("unsupported float dtype %q", r.Header.Descr.Type)
	}
}

func readIntEntry(f *zip.File) ([]int, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r, err := npyio.NewReader(rc)
	if err != nil {
		return nil, err
	}

	switch r.Header.Descr.Type {
	case "|i1", "<i1", ">i1":
		var data []int8
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	case "<i4", "|i4", ">i4":
		var data []int32
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	case "<i8", "|i8", ">i8":
		var data []int64
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	case "<f4", "|f4", ">f4":
		var data []float32
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	case "<f8", "|f8", ">f8":
		var data []float64
		if err := r.Read(&data); err != nil {
			return nil, err
		}
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported label dtype %q", r.Header.Descr.Type)
	}
}

// FilterSingletons removes every example whose class occurs exactly once, so
// a stratified split can always place each class on both sides. Labels are
// renumbered to stay contiguous. Returns the number of removed examples.
func FilterSingletons(a *Archive, logger *slog.Logger) (removed int) {
	counts := make([]int, a.NumClasses())
	for _, l := range a.Labels {
		counts[l]++
	}

	keepClass := make([]bool, a.NumClasses())
	dropped := 0
	for c, n := range counts {
		keepClass[c] = n > 1
		if n == 1 {
			dropped++
		}
	}
	if dropped == 0 {
		return 0
	}

	size := a.ExampleSize()
	var features []float32
	var rawLabels []int
	for i, l := range a.Labels {
		if !keepClass[l] {
			removed++
			continue
		}
		features = append(features, a.Features[i*size:(i+1)*size]...)
		rawLabels = append(rawLabels, a.ClassLabels[l])
	}

	labels, classLabels := normalizeLabels(rawLabels)
	a.Features = features
	a.Shape = []int{len(labels), a.Shape[1], a.Shape[2]}
	a.Labels = labels
	a.ClassLabels = classLabels

	if logger != nil {
		logger.Info("removed singleton classes",
			"classes_removed", dropped,
			"examples_removed", removed,
			"classes_remaining", len(classLabels),
		)
	}
	return removed
}

// StratifiedSplit partitions example indices into train and validation sets,
// drawing valFraction of each class into validation. Every class keeps at
// least one example on each side, so classes with fewer than two examples
// are an error.
func StratifiedSplit(labels []int, numClasses int, valFraction float64, seed int64) (trainIdx, valIdx []int, err error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %g", valFraction)
	}

	byClass := make([][]int, numClasses)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, nil, fmt.Errorf("label %d out of range [0, %d)", l, numClasses)
		}
		byClass[l] = append(byClass[l], i)
	}

	rng := rand.New(rand.NewSource(seed))
	for c, indices := range byClass {
		if len(indices) < 2 {
			return nil, nil, fmt.Errorf("class %d has %d examples, need at least 2 to split", c, len(indices))
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		nVal := int(float64(len(indices))*valFraction + 0.5)
		if nVal < 1 {
			nVal = 1
		}
		if nVal >= len(indices) {
			nVal = len(indices) - 1
		}
		valIdx = append(valIdx, indices[:nVal]...)
		trainIdx = append(trainIdx, indices[nVal:]...)
	}

	sort.Ints(trainIdx)
	sort.Ints(valIdx)
	return trainIdx, valIdx, nil
}
