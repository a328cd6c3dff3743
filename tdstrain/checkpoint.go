package tdstrain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// ErrNotFound is returned by a Store when no checkpoint
// exists under the requested identifier.
var ErrNotFound = errors.New("checkpoint not found")

// A Checkpoint is a snapshot of a training run: the model
// parameters, the optimizer state, the loss scale, and
// the position in the schedule.
type Checkpoint struct {
	// Params holds copies of the parameter vectors, in
	// the order of the trainer's parameter list.
	Params []anyvec.Vector

	// OptState is the marshalled optimizer state.
	// It is empty before the first step.
	OptState []byte

	Scale float64
	Epoch int
	Step  int
}

// CaptureCheckpoint snapshots the current training state.
func CaptureCheckpoint(params []*anydiff.Var, mom *Momentum, scale float64,
	epoch, step int) (*Checkpoint, error) {
	res := &Checkpoint{
		Scale: scale,
		Epoch: epoch,
		Step:  step,
	}
	for _, p := range params {
		res.Params = append(res.Params, p.Vector.Copy())
	}
	if mom != nil {
		state, err := mom.MarshalBinary()
		if err != nil {
			return nil, essentials.AddCtx("capture checkpoint", err)
		}
		res.OptState = state
	}
	return res, nil
}

// Restore writes the checkpoint's parameters back into
// the variables and, when mom is non-nil, restores the
// optimizer state.
func (c *Checkpoint) Restore(params []*anydiff.Var, mom *Momentum) error {
	if len(params) != len(c.Params) {
		return fmt.Errorf("restore checkpoint: expected %d parameters but got %d",
			len(c.Params), len(params))
	}
	for i, p := range params {
		if p.Vector.Len() != c.Params[i].Len() {
			return fmt.Errorf("restore checkpoint: parameter %d: expected size %d but got %d",
				i, p.Vector.Len(), c.Params[i].Len())
		}
	}
	for i, p := range params {
		p.Vector.Set(c.Params[i])
	}
	if mom != nil {
		if err := mom.UnmarshalBinary(c.OptState); err != nil {
			return essentials.AddCtx("restore checkpoint", err)
		}
	}
	return nil
}

// Serialize serializes the checkpoint.
func (c *Checkpoint) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{
		serializer.Int(c.Epoch),
		serializer.Int(c.Step),
		serializer.Float64(c.Scale),
		serializer.Bytes(c.OptState),
	}
	for _, p := range c.Params {
		parts = append(parts, &anyvecsave.S{Vector: p})
	}
	return serializer.SerializeSlice(parts)
}

// DeserializeCheckpoint deserializes a checkpoint.
func DeserializeCheckpoint(d []byte) (*Checkpoint, error) {
	res, err := deserializeCheckpoint(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize checkpoint", err)
	}
	return res, nil
}

func deserializeCheckpoint(d []byte) (*Checkpoint, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) < 4 {
		return nil, fmt.Errorf("not enough fields")
	}
	epoch, ok1 := slice[0].(serializer.Int)
	step, ok2 := slice[1].(serializer.Int)
	scale, ok3 := slice[2].(serializer.Float64)
	optState, ok4 := slice[3].(serializer.Bytes)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("invalid field types")
	}
	res := &Checkpoint{
		Epoch:    int(epoch),
		Step:     int(step),
		Scale:    float64(scale),
		OptState: []byte(optState),
	}
	for _, x := range slice[4:] {
		s, ok := x.(*anyvecsave.S)
		if !ok {
			return nil, fmt.Errorf("expected vector but got %T", x)
		}
		res.Params = append(res.Params, s.Vector)
	}
	return res, nil
}

// A Store persists checkpoints under string identifiers.
type Store interface {
	Save(id string, c *Checkpoint) error

	// Load returns ErrNotFound when nothing has been
	// saved under the identifier.
	Load(id string) (*Checkpoint, error)
}

// A FileStore keeps one file per checkpoint in a
// directory.
type FileStore struct {
	Dir string
}

// Save writes a checkpoint, creating the directory if
// needed.
func (f *FileStore) Save(id string, c *Checkpoint) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	data, err := c.Serialize()
	if err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	if err := os.WriteFile(f.path(id), data, 0644); err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	return nil
}

// Load reads a checkpoint.
func (f *FileStore) Load(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, essentials.AddCtx("load checkpoint", err)
	}
	return DeserializeCheckpoint(data)
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.Dir, id+".ckpt")
}
