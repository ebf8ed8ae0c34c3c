package training

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tsawler/go-crnn/tensor"
)

func buildDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	var data, labels []*tensor.Tensor
	for i := 0; i < n; i++ {
		d, err := tensor.NewTensor([]int{2}, tensor.Float32, []float32{float32(i), float32(i)})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		l, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{int32(i)})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		data = append(data, d)
		labels = append(labels, l)
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}
	return ds
}

func TestDataLoaderBatchCount(t *testing.T) {
	ds := buildDataset(t, 10)
	dl := NewDataLoader(ds, 4, false, 1, 0)

	if dl.Len() != 3 {
		t.Fatalf("expected 3 batches, got %d", dl.Len())
	}

	dl.Reset()
	sizes := []int{}
	for dl.HasNext() {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		sizes = append(sizes, batch.Data.Shape[0])
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("batch sizes %v, want %v", sizes, want)
		}
	}
}

func TestDataLoaderPreservesOrderWithoutShuffle(t *testing.T) {
	ds := buildDataset(t, 6)
	dl := NewDataLoader(ds, 2, false, 1, 0)

	dl.Reset()
	var seen []int32
	for dl.HasNext() {
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		labels, _ := batch.Labels.GetInt32Data()
		seen = append(seen, labels...)
	}
	for i, l := range seen {
		if l != int32(i) {
			t.Fatalf("order not preserved: %v", seen)
		}
	}
}

func TestDataLoaderShuffleIsSeededPermutation(t *testing.T) {
	ds := buildDataset(t, 16)

	collect := func(seed int64) []int32 {
		dl := NewDataLoader(ds, 4, true, 1, seed)
		dl.Reset()
		var seen []int32
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			labels, _ := batch.Labels.GetInt32Data()
			seen = append(seen, labels...)
		}
		return seen
	}

	first := collect(7)
	second := collect(7)
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("same seed must produce the same epoch order")
		}
	}

	// Every example appears exactly once.
	counts := make(map[int32]int)
	for _, l := range first {
		counts[l]++
	}
	if len(counts) != 16 {
		t.Fatalf("shuffle dropped or duplicated examples: %v", counts)
	}
}

func TestIteratorDeliversBatchesInOrder(t *testing.T) {
	ds := buildDataset(t, 20)
	dl := NewDataLoader(ds, 3, false, 4, 0)

	var seen []int32
	for batch := range dl.Iterator(context.Background()) {
		labels, _ := batch.Labels.GetInt32Data()
		seen = append(seen, labels...)
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 examples, got %d", len(seen))
	}
	for i, l := range seen {
		if l != int32(i) {
			t.Fatalf("concurrent iterator reordered examples: %v", seen)
		}
	}
}

// failingDataset fails Get from a fixed index onward.
type failingDataset struct {
	inner  *SimpleDataset
	failAt int
}

func (d *failingDataset) Len() int { return d.inner.Len() }

func (d *failingDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx >= d.failAt {
		return nil, nil, fmt.Errorf("sample %d unreadable", idx)
	}
	return d.inner.Get(idx)
}

func TestIteratorSurfacesLoadErrors(t *testing.T) {
	ds := &failingDataset{inner: buildDataset(t, 20), failAt: 10}
	dl := NewDataLoader(ds, 4, false, 2, 0)

	delivered := 0
	for range dl.Iterator(context.Background()) {
		delivered++
	}
	if delivered >= dl.Len() {
		t.Fatalf("expected a truncated epoch, got all %d batches", delivered)
	}
	err := dl.Err()
	if err == nil {
		t.Fatal("expected Err after a failing epoch")
	}
	if !strings.Contains(err.Error(), "sample 10") {
		t.Fatalf("error should name the failing sample, got %v", err)
	}
}

func TestIteratorErrClearsOnNextEpoch(t *testing.T) {
	ds := &failingDataset{inner: buildDataset(t, 8), failAt: 4}
	dl := NewDataLoader(ds, 2, false, 1, 0)

	for range dl.Iterator(context.Background()) {
	}
	if dl.Err() == nil {
		t.Fatal("expected Err after a failing epoch")
	}

	ds.failAt = 8
	delivered := 0
	for range dl.Iterator(context.Background()) {
		delivered++
	}
	if dl.Err() != nil {
		t.Fatalf("Err should reset for a clean epoch, got %v", dl.Err())
	}
	if delivered != 4 {
		t.Fatalf("expected 4 batches, got %d", delivered)
	}
}

func TestIteratorStopsOnCancel(t *testing.T) {
	ds := buildDataset(t, 100)
	dl := NewDataLoader(ds, 1, false, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	ch := dl.Iterator(ctx)
	<-ch
	cancel()

	// Channel must terminate rather than block forever.
	for range ch {
	}
}
