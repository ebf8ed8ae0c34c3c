package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-crnn/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// DataLoader provides batching, shuffling, and concurrent batch assembly.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	indices    []int
	position   int
	rng        *rand.Rand
	iterErr    error
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. Shuffling is driven by the given
// seed so epochs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		indices:    indices,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	indices := dl.nextIndices()
	if indices == nil {
		return nil, nil // End of epoch
	}
	return dl.loadBatch(indices)
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

func (dl *DataLoader) nextIndices() []int {
	if dl.position >= len(dl.indices) {
		return nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	indices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd
	return indices
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	// Load first sample to determine shapes and types
	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	batchSize := len(indices)
	dataShape := append([]int{batchSize}, firstData.Shape...)
	labelShape := append([]int{batchSize}, firstLabel.Shape...)

	batchData, err := tensor.Zeros(dataShape, firstData.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %v", err)
	}

	batchLabels, err := tensor.Zeros(labelShape, firstLabel.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %v", err)
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}

		if err := dl.copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %v", i, err)
		}
		if err := dl.copyInto(batchLabels, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", i, err)
		}
	}

	return &Batch{Data: batchData, Labels: batchLabels}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func (dl *DataLoader) copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		batchData := batchTensor.Data.([]float32)
		sampleData := sampleTensor.Data.([]float32)
		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}
		copy(batchData[offset:offset+sampleSize], sampleData)

	case tensor.Int32:
		batchData := batchTensor.Data.([]int32)
		sampleData := sampleTensor.Data.([]int32)
		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}
		copy(batchData[offset:offset+sampleSize], sampleData)

	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}

	return nil
}

type sequencedBatch struct {
	seq   int
	batch *Batch
	err   error
}

// Err reports whether the most recent Iterator epoch failed. It must be
// checked after the batch channel is drained: a load failure closes the
// channel early, so a nil-error epoch and a truncated one look identical
// from the channel alone.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.iterErr
}

func (dl *DataLoader) setErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.iterErr = err
}

// Iterator returns a channel of batches for one epoch. Batches are assembled
// by numWorkers goroutines ahead of the consumer but always delivered in
// order. Cancelling the context stops the workers. If batch assembly fails
// the channel closes early and the error is available from Err.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	dl.Reset()
	dl.setErr(nil)
	ctx, cancel := context.WithCancel(ctx)

	// Snapshot the per-batch index slices up front so workers can run
	// independently of loader position state.
	var jobs [][]int
	dl.mutex.Lock()
	for {
		indices := dl.nextIndices()
		if indices == nil {
			break
		}
		jobs = append(jobs, append([]int{}, indices...))
	}
	dl.mutex.Unlock()

	jobChan := make(chan int, len(jobs))
	results := make(chan sequencedBatch, dl.numWorkers)
	out := make(chan *Batch, 1)

	for i := 0; i < len(jobs); i++ {
		jobChan <- i
	}
	close(jobChan)

	var wg sync.WaitGroup
	for w := 0; w < dl.numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range jobChan {
				batch, err := dl.loadBatch(jobs[seq])
				select {
				case results <- sequencedBatch{seq: seq, batch: batch, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Reorder buffer: deliver batch 0, 1, 2, ... regardless of completion
	// order. Cancelling on exit releases workers blocked on the results
	// channel.
	go func() {
		defer close(out)
		defer cancel()
		pending := make(map[int]*Batch)
		next := 0
		for sb := range results {
			if sb.err != nil {
				dl.setErr(sb.err)
				return
			}
			pending[sb.seq] = sb.batch
			for {
				batch, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				select {
				case out <- batch:
					next++
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// SimpleDataset provides a basic implementation of Dataset for testing and simple use cases
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	return &SimpleDataset{data: data, labels: labels}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}
