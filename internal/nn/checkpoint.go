package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/serialization"
	"github.com/born-ml/segtrain/internal/tensor"
)

// InterruptedCheckpointName is the fixed file name of the emergency
// snapshot written when a run is cancelled.
const InterruptedCheckpointName = "INTERRUPTED.safetensors"

// CheckpointName returns the deterministic file name of the end-of-run
// snapshot, e.g. checkpoint_epoch100_BCEdice.safetensors.
func CheckpointName(epochs int, lossTag string) string {
	return fmt.Sprintf("checkpoint_epoch%d_%s.safetensors", epochs, lossTag)
}

// StateDict maps parameter names to their current values.
//
// The returned tensors alias the live parameters.
func StateDict(params []*Parameter) (map[string]*tensor.Dense, error) {
	state := make(map[string]*tensor.Dense, len(params))
	for _, p := range params {
		if _, dup := state[p.Name()]; dup {
			return nil, errors.Errorf("duplicate parameter name %q", p.Name())
		}
		state[p.Name()] = p.Value()
	}
	return state, nil
}

// SaveCheckpoint writes every parameter value to a SafeTensors file.
func SaveCheckpoint(path string, params []*Parameter, metadata map[string]string) error {
	state, err := StateDict(params)
	if err != nil {
		return err
	}
	if err := serialization.WriteSafeTensors(path, state, metadata); err != nil {
		return errors.Wrapf(err, "save checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint copies values from a SafeTensors file into params.
//
// Every parameter must be present with a matching shape; extra tensors in
// the file are rejected as well, so a checkpoint of a different network
// cannot be loaded silently. Returns the file metadata.
func LoadCheckpoint(path string, params []*Parameter) (map[string]string, error) {
	tensors, meta, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	if len(tensors) != len(params) {
		return nil, errors.Errorf("load checkpoint %s: file has %d tensors, network has %d parameters",
			path, len(tensors), len(params))
	}
	for _, p := range params {
		t, ok := tensors[p.Name()]
		if !ok {
			return nil, errors.Errorf("load checkpoint %s: missing parameter %q", path, p.Name())
		}
		if !t.Shape().Equal(p.Value().Shape()) {
			return nil, errors.Errorf("load checkpoint %s: parameter %q has shape %v, network expects %v",
				path, p.Name(), t.Shape(), p.Value().Shape())
		}
	}
	for _, p := range params {
		copy(p.Value().Data(), tensors[p.Name()].Data())
	}
	return meta, nil
}
