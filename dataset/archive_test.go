package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeNPY encodes a version 1.0 NPY blob for raw little-endian data.
func writeNPY(t *testing.T, descr string, shape []int, data interface{}) []byte {
	t.Helper()

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprintf("%d", d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	// Pad so that magic + version + length + header is a multiple of 64,
	// ending in newline.
	preamble := 6 + 2 + 2
	padded := ((preamble+len(header)+1)/64 + 1) * 64
	header += strings.Repeat(" ", padded-preamble-len(header)-1) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	return buf.Bytes()
}

func writeArchive(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.npz")

	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, blob := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(blob)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func makeFeatures(n, h, w int) []float32 {
	data := make([]float32, n*h*w)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	return data
}

func TestLoadArchive(t *testing.T) {
	features := makeFeatures(4, 2, 3)
	labels := []int64{7, 3, 7, 3}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f4", []int{4, 2, 3}, features),
		"labels.npy": writeNPY(t, "<i8", []int{4}, labels),
	})

	archive, err := LoadArchive(path)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 2, 3}, archive.Shape)
	assert.Equal(t, 4, archive.NumExamples())
	assert.Equal(t, 2, archive.NumClasses())
	// Original label values 3 and 7 map to indices 0 and 1.
	assert.Equal(t, []int{3, 7}, archive.ClassLabels)
	assert.Equal(t, []int{1, 0, 1, 0}, archive.Labels)
	assert.Equal(t, features, archive.Features)
}

func TestLoadArchiveFloat64AndInt8(t *testing.T) {
	features := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	labels := []int8{0, 1}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f8", []int{2, 2, 2}, features),
		"labels.npy": writeNPY(t, "|i1", []int{2}, labels),
	})

	archive, err := LoadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, archive.Shape)
	assert.InDelta(t, 1.0, float64(archive.Features[0]), 1e-6)
	assert.InDelta(t, 8.0, float64(archive.Features[7]), 1e-6)
}

func TestLoadArchiveSqueezesChannelAxis(t *testing.T) {
	features := makeFeatures(2, 2, 2)
	labels := []int32{0, 1}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f4", []int{2, 1, 2, 2}, features),
		"labels.npy": writeNPY(t, "<i4", []int{2}, labels),
	})

	archive, err := LoadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, archive.Shape)
}

func TestLoadArchiveMissingEntries(t *testing.T) {
	path := writeArchive(t, map[string][]byte{
		"data.npy": writeNPY(t, "<f4", []int{1, 2, 2}, makeFeatures(1, 2, 2)),
	})

	_, err := LoadArchive(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels")
}

func TestFilterSingletons(t *testing.T) {
	// Class 1 appears once and must be removed; classes 0 and 2 stay.
	features := makeFeatures(5, 2, 2)
	labels := []int64{0, 0, 1, 2, 2}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f4", []int{5, 2, 2}, features),
		"labels.npy": writeNPY(t, "<i8", []int{5}, labels),
	})
	archive, err := LoadArchive(path)
	require.NoError(t, err)

	removed := FilterSingletons(archive, nil)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 4, archive.NumExamples())
	assert.Equal(t, 2, archive.NumClasses())
	assert.Equal(t, []int{0, 2}, archive.ClassLabels)
	assert.Equal(t, []int{0, 0, 1, 1}, archive.Labels)
	// The third example's features were dropped.
	assert.Equal(t, features[:8], archive.Features[:8])
	assert.Equal(t, features[12:], archive.Features[8:])
}

func TestFilterSingletonsNoOp(t *testing.T) {
	features := makeFeatures(4, 2, 2)
	labels := []int64{0, 0, 1, 1}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f4", []int{4, 2, 2}, features),
		"labels.npy": writeNPY(t, "<i8", []int{4}, labels),
	})
	archive, err := LoadArchive(path)
	require.NoError(t, err)

	assert.Equal(t, 0, FilterSingletons(archive, nil))
	assert.Equal(t, 4, archive.NumExamples())
}

func TestStratifiedSplit(t *testing.T) {
	labels := make([]int, 100)
	for i := range labels {
		labels[i] = i % 10
	}

	trainIdx, valIdx, err := StratifiedSplit(labels, 10, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, trainIdx, 80)
	assert.Len(t, valIdx, 20)

	// Every class appears on both sides with the expected proportion.
	valPerClass := make(map[int]int)
	for _, i := range valIdx {
		valPerClass[labels[i]]++
	}
	for c := 0; c < 10; c++ {
		assert.Equal(t, 2, valPerClass[c], "class %d", c)
	}

	// No index appears twice.
	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, trainIdx...), valIdx...) {
		assert.False(t, seen[i], "index %d duplicated", i)
		seen[i] = true
	}
	assert.Len(t, seen, 100)
}

func TestStratifiedSplitIsSeeded(t *testing.T) {
	labels := make([]int, 40)
	for i := range labels {
		labels[i] = i % 4
	}

	train1, val1, err := StratifiedSplit(labels, 4, 0.2, 7)
	require.NoError(t, err)
	train2, val2, err := StratifiedSplit(labels, 4, 0.2, 7)
	require.NoError(t, err)
	assert.Equal(t, train1, train2)
	assert.Equal(t, val1, val2)
}

func TestStratifiedSplitTinyClass(t *testing.T) {
	// A class with two examples keeps one on each side.
	labels := []int{0, 0, 0, 0, 1, 1}
	trainIdx, valIdx, err := StratifiedSplit(labels, 2, 0.2, 1)
	require.NoError(t, err)

	trainHas, valHas := false, false
	for _, i := range trainIdx {
		if labels[i] == 1 {
			trainHas = true
		}
	}
	for _, i := range valIdx {
		if labels[i] == 1 {
			valHas = true
		}
	}
	assert.True(t, trainHas, "class 1 missing from train split")
	assert.True(t, valHas, "class 1 missing from validation split")
}

func TestStratifiedSplitRejectsSingletons(t *testing.T) {
	_, _, err := StratifiedSplit([]int{0, 0, 1}, 2, 0.2, 1)
	require.Error(t, err)
}

func TestSpectrogramDatasetGet(t *testing.T) {
	features := makeFeatures(3, 2, 4)
	labels := []int64{5, 9, 5}

	path := writeArchive(t, map[string][]byte{
		"data.npy":   writeNPY(t, "<f4", []int{3, 2, 4}, features),
		"labels.npy": writeNPY(t, "<i8", []int{3}, labels),
	})
	archive, err := LoadArchive(path)
	require.NoError(t, err)

	ds := NewSpectrogramDataset(archive, []int{1, 2})
	assert.Equal(t, 2, ds.Len())

	data, label, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, data.Shape)
	assert.Equal(t, []int32{1}, label.Data.([]int32)) // original label 9

	// The tensor shares the archive's backing array.
	assert.Equal(t, archive.Features[8:16], data.Data.([]float32))

	_, _, err = ds.Get(5)
	require.Error(t, err)
}
