package checkpoints

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-crnn/nn"
	"github.com/tsawler/go-crnn/tensor"
)

func namedTensor(t *testing.T, name string, shape []int, data []float32) nn.NamedTensor {
	t.Helper()
	tn, err := tensor.NewTensor(shape, tensor.Float32, data)
	require.NoError(t, err)
	return nn.NamedTensor{Name: name, Tensor: tn}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.json")

	state := []nn.NamedTensor{
		namedTensor(t, "fc.weight", []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		namedTensor(t, "fc.bias", []int{3}, []float32{0.1, 0.2, 0.3}),
	}
	weights, err := FromStateTensors(state)
	require.NoError(t, err)

	original := &Checkpoint{Epoch: 12, ValAUC: 0.87, Weights: weights}
	require.NoError(t, SaveCheckpoint(original, path))
	assert.False(t, original.Timestamp.IsZero(), "timestamp stamped on save")

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Epoch)
	assert.InDelta(t, 0.87, loaded.ValAUC, 1e-9)
	require.Len(t, loaded.Weights, 2)
	assert.Equal(t, "fc.weight", loaded.Weights[0].Name)
	assert.Equal(t, []int{2, 3}, loaded.Weights[0].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, loaded.Weights[0].Data)
}

func TestEnsembleBundleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ensemble_bundle.json")

	weights, err := FromStateTensors([]nn.NamedTensor{
		namedTensor(t, "classifier.weight", []int{4}, []float32{1, 2, 3, 4}),
	})
	require.NoError(t, err)

	original := &EnsembleBundle{
		ModelType:   "crnn",
		ModelState:  weights,
		NumClasses:  182,
		ClassLabels: []int{3, 7, 11},
		BestEpoch:   9,
		BestValAUC:  0.91,
		InputParams: DefaultInputParams(),
		History: []EpochRecord{
			{Epoch: 1, TrainLoss: 2.1, ValAUC: 0.6, LearningRate: 1e-3},
			{Epoch: 2, TrainLoss: 1.8, ValAUC: 0.7, LearningRate: 1e-3},
		},
	}
	require.NoError(t, SaveEnsembleBundle(original, path))

	loaded, err := LoadEnsembleBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "crnn", loaded.ModelType)
	assert.Equal(t, 182, loaded.NumClasses)
	assert.Equal(t, []int{3, 7, 11}, loaded.ClassLabels)
	assert.Equal(t, 9, loaded.BestEpoch)
	assert.InDelta(t, 0.91, loaded.BestValAUC, 1e-9)
	assert.Equal(t, DefaultInputParams(), loaded.InputParams)
	require.Len(t, loaded.History, 2)
	assert.InDelta(t, 0.7, loaded.History[1].ValAUC, 1e-9)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestSaveKeepsExplicitTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, SaveCheckpoint(&Checkpoint{Epoch: 1, Timestamp: stamp}, path))
	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(loaded.Timestamp))
}

func TestStateTensorRoundTrip(t *testing.T) {
	source := []nn.NamedTensor{
		namedTensor(t, "a", []int{2, 2}, []float32{1, 2, 3, 4}),
		namedTensor(t, "b", []int{2}, []float32{5, 6}),
	}
	weights, err := FromStateTensors(source)
	require.NoError(t, err)

	// Snapshots are copies, not views of the live tensors.
	live, err := source[0].Tensor.GetFloat32Data()
	require.NoError(t, err)
	live[0] = 99
	assert.Equal(t, float32(1), weights[0].Data[0])

	target := []nn.NamedTensor{
		namedTensor(t, "a", []int{2, 2}, make([]float32, 4)),
		namedTensor(t, "b", []int{2}, make([]float32, 2)),
	}
	require.NoError(t, LoadIntoStateTensors(weights, target))

	restored, err := target[0].Tensor.GetFloat32Data()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, restored)
}

func TestLoadIntoStateTensorsMissingWeight(t *testing.T) {
	weights := []WeightTensor{{Name: "a", Shape: []int{2}, Data: []float32{1, 2}}}
	target := []nn.NamedTensor{namedTensor(t, "b", []int{2}, make([]float32, 2))}

	err := LoadIntoStateTensors(weights, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing weight b")
}

func TestLoadIntoStateTensorsShapeMismatch(t *testing.T) {
	weights := []WeightTensor{{Name: "a", Shape: []int{4}, Data: []float32{1, 2, 3, 4}}}
	target := []nn.NamedTensor{namedTensor(t, "a", []int{2, 2}, make([]float32, 4))}

	err := LoadIntoStateTensors(weights, target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
