package nn

import "fmt"

// StateMap extracts a flat name-to-values map from a set of named tensors.
// The float data is copied, so the map stays valid if training continues.
func StateMap(state []NamedTensor) (map[string][]float32, error) {
	out := make(map[string][]float32, len(state))
	for _, nt := range state {
		data, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("state tensor %s: %w", nt.Name, err)
		}
		cp := make([]float32, len(data))
		copy(cp, data)
		out[nt.Name] = cp
	}
	return out, nil
}

// LoadStateMap copies values back into named tensors by name. Every tensor
// must have a matching entry of the right size; extra entries in the map are
// an error so silent weight drops get caught.
func LoadStateMap(state []NamedTensor, values map[string][]float32) error {
	seen := make(map[string]bool, len(state))
	for _, nt := range state {
		vals, ok := values[nt.Name]
		if !ok {
			return fmt.Errorf("missing state entry %s", nt.Name)
		}
		data, err := nt.Tensor.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("state tensor %s: %w", nt.Name, err)
		}
		if len(vals) != len(data) {
			return fmt.Errorf("state entry %s: expected %d values, got %d", nt.Name, len(data), len(vals))
		}
		copy(data, vals)
		seen[nt.Name] = true
	}
	for name := range values {
		if !seen[name] {
			return fmt.Errorf("unexpected state entry %s", name)
		}
	}
	return nil
}
