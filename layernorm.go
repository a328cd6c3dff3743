// Package sonosco provides the anynet layers shared by its
// speech-recognition sub-packages.
package sonosco

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const defaultLNStabilizer = 1e-6

func init() {
	var l LayerNorm
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLayerNorm)
}

// LayerNorm is a layer normalization layer.
//
// Unlike batch normalization, it normalizes each input
// vector in the batch using that vector's own mean and
// variance, so its behavior does not depend on the batch
// composition.
type LayerNorm struct {
	// InputCount is the size of each vector in the batch.
	InputCount int

	// Post-normalization affine transform.
	Scalers *anydiff.Var
	Biases  *anydiff.Var

	// Stabilizer prevents numerical instability by adding a
	// small constant to variances to keep them from being 0.
	//
	// If it is 0, a default is used.
	Stabilizer float64
}

// DeserializeLayerNorm deserializes a LayerNorm.
func DeserializeLayerNorm(d []byte) (*LayerNorm, error) {
	var s, b *anyvecsave.S
	var stab serializer.Float64
	if err := serializer.DeserializeAny(d, &s, &b, &stab); err != nil {
		return nil, essentials.AddCtx("deserialize LayerNorm", err)
	}
	return &LayerNorm{
		InputCount: s.Vector.Len(),
		Scalers:    anydiff.NewVar(s.Vector),
		Biases:     anydiff.NewVar(b.Vector),
		Stabilizer: float64(stab),
	}, nil
}

// NewLayerNorm creates a LayerNorm with an input size.
func NewLayerNorm(c anyvec.Creator, inCount int) *LayerNorm {
	oneScaler := c.MakeVector(inCount)
	oneScaler.AddScalar(c.MakeNumeric(1))
	return &LayerNorm{
		InputCount: inCount,
		Scalers:    anydiff.NewVar(oneScaler),
		Biases:     anydiff.NewVar(c.MakeVector(inCount)),
	}
}

// Apply applies the layer to a batch of n vectors.
func (l *LayerNorm) Apply(in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*l.InputCount {
		panic("invalid input size")
	}
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		c := in.Output().Creator()

		// Transposing makes each batch vector a column, so the
		// per-column statistics below are per-vector statistics.
		cols := anydiff.Transpose(&anydiff.Matrix{
			Data: in,
			Rows: n,
			Cols: l.InputCount,
		}).Data

		return anydiff.Pool(cols, func(cols anydiff.Res) anydiff.Res {
			negMean := negColMean(cols, n)
			secondMoment := colMeanSquare(cols, n)
			variance := anydiff.Sub(secondMoment, anydiff.Square(negMean))

			variance = anydiff.AddScalar(variance, c.MakeNumeric(l.stabilizer()))
			normalizer := anydiff.Pow(variance, c.MakeNumeric(-0.5))

			normed := anydiff.Pool(normalizer, func(normalizer anydiff.Res) anydiff.Res {
				return anydiff.ScaleAddRepeated(
					cols,
					normalizer,
					anydiff.Mul(negMean, normalizer),
				)
			})
			rows := anydiff.Transpose(&anydiff.Matrix{
				Data: normed,
				Rows: l.InputCount,
				Cols: n,
			}).Data
			return anydiff.ScaleAddRepeated(rows, l.Scalers, l.Biases)
		})
	})
}

// Parameters returns a slice containing the scalers and
// biases, in that order.
func (l *LayerNorm) Parameters() []*anydiff.Var {
	return []*anydiff.Var{l.Scalers, l.Biases}
}

// SerializerType returns the unique ID used to serialize
// a LayerNorm with the serializer package.
func (l *LayerNorm) SerializerType() string {
	return "github.com/battyone/sonosco.LayerNorm"
}

// Serialize serializes the layer.
func (l *LayerNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: l.Scalers.Vector},
		&anyvecsave.S{Vector: l.Biases.Vector},
		serializer.Float64(l.Stabilizer),
	)
}

func (l *LayerNorm) stabilizer() float64 {
	if l.Stabilizer == 0 {
		return defaultLNStabilizer
	} else {
		return l.Stabilizer
	}
}

type colMeanRes struct {
	In     anydiff.Res
	Scaler anyvec.Numeric
	Out    anyvec.Vector
}

// negColMean computes the negative of the per-column mean
// of a row-major matrix with the given column count.
func negColMean(in anydiff.Res, cols int) anydiff.Res {
	if in.Output().Len()%cols != 0 {
		panic("column count must divide input size")
	}
	rows := in.Output().Len() / cols
	scaler := in.Output().Creator().MakeNumeric(-1 / float64(rows))
	out := anyvec.SumRows(in.Output().Copy(), cols)
	out.Scale(scaler)
	return &colMeanRes{
		In:     in,
		Scaler: scaler,
		Out:    out,
	}
}

func (c *colMeanRes) Output() anyvec.Vector {
	return c.Out
}

func (c *colMeanRes) Vars() anydiff.VarSet {
	return c.In.Vars()
}

func (c *colMeanRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Scale(c.Scaler)
	if v, ok := c.In.(*anydiff.Var); ok {
		downstream, ok := g[v]
		if !ok {
			return
		}
		anyvec.AddRepeated(downstream, u)
	} else {
		downstream := c.Out.Creator().MakeVector(c.In.Output().Len())
		anyvec.AddRepeated(downstream, u)
		c.In.Propagate(downstream, g)
	}
}

type colMeanSquareRes struct {
	In     anydiff.Res
	Scaler anyvec.Numeric
	Out    anyvec.Vector
}

// colMeanSquare is like negColMean, but it squares the
// entries before taking their (non-negated) mean.
func colMeanSquare(in anydiff.Res, cols int) anydiff.Res {
	if in.Output().Len()%cols != 0 {
		panic("column count must divide input size")
	}
	rows := in.Output().Len() / cols
	squared := in.Output().Copy()
	squared.Mul(in.Output())
	out := anyvec.SumRows(squared, cols)
	out.Scale(in.Output().Creator().MakeNumeric(1 / float64(rows)))
	return &colMeanSquareRes{
		In:     in,
		Scaler: in.Output().Creator().MakeNumeric(2 / float64(rows)),
		Out:    out,
	}
}

func (c *colMeanSquareRes) Output() anyvec.Vector {
	return c.Out
}

func (c *colMeanSquareRes) Vars() anydiff.VarSet {
	return c.In.Vars()
}

func (c *colMeanSquareRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	u.Scale(c.Scaler)
	downstream := c.Out.Creator().MakeVector(c.In.Output().Len())
	anyvec.AddRepeated(downstream, u)
	downstream.Mul(c.In.Output())
	if v, ok := c.In.(*anydiff.Var); ok {
		if grad, ok := g[v]; ok {
			grad.Add(downstream)
		}
	} else {
		c.In.Propagate(downstream, g)
	}
}
