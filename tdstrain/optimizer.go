package tdstrain

import (
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

// A Transformer transforms gradients.
//
// After its first call, a Transformer expects to see
// gradients of the same form (i.e. containing the same
// variables).
//
// A Transformer may modify its own input and return the
// same gradient as an output. The input still belongs to
// the caller, and the transformer should not retain a
// reference to it.
type Transformer interface {
	Transform(g anydiff.Grad) anydiff.Grad
}

// Momentum implements SGD with momentum and decoupled
// weight decay.
//
// The transformed gradient v is computed as
//
//	v := momentum * v + grad + decay * param
type Momentum struct {
	Momentum float64

	// WeightDecay is added into each gradient as
	// WeightDecay times the parameter value.
	WeightDecay float64

	// Params orders the variables for marshalling.
	// It must cover every variable in the gradients.
	Params []*anydiff.Var

	rolling anydiff.Grad
}

// Transform transforms the gradient using momentum.
//
// This is not thread-safe.
func (m *Momentum) Transform(g anydiff.Grad) anydiff.Grad {
	if m.WeightDecay != 0 {
		for v, x := range g {
			decay := v.Vector.Copy()
			decay.Scale(decay.Creator().MakeNumeric(m.WeightDecay))
			x.Add(decay)
		}
	}
	if m.rolling == nil {
		m.rolling = copyGrad(g)
		return g
	}
	for v, x := range m.rolling {
		x.Scale(x.Creator().MakeNumeric(m.Momentum))
		x.Add(g[v])
		g[v].Set(x)
	}
	return g
}

// MarshalBinary marshals the momentum state.
func (m *Momentum) MarshalBinary() ([]byte, error) {
	if m.rolling == nil {
		return []byte{}, nil
	}
	if len(m.Params) != len(m.rolling) {
		return nil, errors.New("marshal momentum: variable list does not match state")
	}
	var parts []serializer.Serializer
	for _, v := range m.Params {
		vec, ok := m.rolling[v]
		if !ok {
			return nil, errors.New("marshal momentum: variable list does not match state")
		}
		parts = append(parts, &anyvecsave.S{Vector: vec.Copy()})
	}
	return serializer.SerializeSlice(parts)
}

// UnmarshalBinary restores marshalled momentum state.
func (m *Momentum) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		m.rolling = nil
		return nil
	}
	slice, err := serializer.DeserializeSlice(data)
	if err != nil {
		return err
	}
	if len(slice) != len(m.Params) {
		return fmt.Errorf("unmarshal momentum: expected %d vectors but got %d",
			len(m.Params), len(slice))
	}
	rolling := anydiff.Grad{}
	for i, v := range m.Params {
		s, ok := slice[i].(*anyvecsave.S)
		if !ok {
			return fmt.Errorf("unmarshal momentum: expected vector but got %T", slice[i])
		}
		if s.Vector.Len() != v.Vector.Len() {
			return fmt.Errorf("unmarshal momentum: vector %d: expected size %d but got %d",
				i, v.Vector.Len(), s.Vector.Len())
		}
		rolling[v] = s.Vector
	}
	m.rolling = rolling
	return nil
}

// ClipNorm scales gradients down so their global L2 norm
// never exceeds MaxNorm.
type ClipNorm struct {
	MaxNorm float64
}

// Transform clips the gradient in place.
func (c *ClipNorm) Transform(g anydiff.Grad) anydiff.Grad {
	var sumSquares float64
	for _, vec := range g {
		norm := numericToFloat(anyvec.Norm(vec))
		sumSquares += norm * norm
	}
	norm := math.Sqrt(sumSquares)
	if norm > c.MaxNorm && norm > 0 {
		for _, vec := range g {
			g.Scale(vec.Creator().MakeNumeric(c.MaxNorm / norm))
			break
		}
	}
	return g
}

func copyGrad(g anydiff.Grad) anydiff.Grad {
	res := anydiff.Grad{}
	for v, x := range g {
		res[v] = x.Copy()
	}
	return res
}

func numericToFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", n))
	}
}
