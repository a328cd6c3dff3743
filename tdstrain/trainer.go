package tdstrain

import (
	"errors"

	"github.com/battyone/sonosco/tdsdec"
	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Batch is an immutable list of fetched samples.
type Batch struct {
	Inputs []anyvec.Vector
	Frames []int
	Labels [][]int
}

// A Trainer computes costs and gradients for the
// encoder-decoder model.
type Trainer struct {
	Encoder *tdsenc.Encoder
	Decoder *tdsdec.Decoder
	Params  []*anydiff.Var

	// Average indicates whether the total cost should be
	// averaged over the batch's utterances. Each
	// utterance's cost stays summed over its target
	// tokens.
	// This affects gradients, LastCost, and the output of
	// TotalCost().
	Average bool

	// After every gradient computation, LastCost is set to
	// the cost from the batch, before loss scaling.
	LastCost anyvec.Numeric
}

// Fetch produces a *Batch for a subset of samples.
// The batch may not be empty.
func (t *Trainer) Fetch(s SampleList) (*Batch, error) {
	if s.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	res := &Batch{}
	for i := 0; i < s.Len(); i++ {
		sample := s.GetSample(i)
		res.Inputs = append(res.Inputs, sample.Input)
		res.Frames = append(res.Frames, sample.Frames)
		res.Labels = append(res.Labels, sample.Labels)
	}
	return res, nil
}

// TotalCost computes the teacher-forced cost of a batch.
// Each utterance is encoded and scored independently.
func (t *Trainer) TotalCost(b *Batch) anydiff.Res {
	var sum anydiff.Res
	for i, in := range b.Inputs {
		enc := tdsenc.EncodedSeq{
			Out: t.Encoder.Apply(anydiff.NewConst(in), b.Frames[i]),
			Len: t.Encoder.OutLen(b.Frames[i]),
			Dim: t.Encoder.OutDim(),
		}
		cost := t.Decoder.ForwardLoss(enc, b.Labels[i])
		if sum == nil {
			sum = cost
		} else {
			sum = anydiff.Add(sum, cost)
		}
	}
	if t.Average {
		scaler := sum.Output().Creator().MakeNumeric(1 / float64(len(b.Inputs)))
		return anydiff.Scale(sum, scaler)
	}
	return sum
}

// Gradient computes the gradient for the batch's cost,
// backpropagating scale instead of 1 so that small
// gradients survive low-precision arithmetic.
// The result must be divided by scale after any gradient
// exchange.
//
// It also sets t.LastCost to the unscaled cost.
func (t *Trainer) Gradient(b *Batch, scale float64) anydiff.Grad {
	res := anydiff.NewGrad(t.Params...)

	cost := t.TotalCost(b)
	t.LastCost = anyvec.Sum(cost.Output())

	c := cost.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{scale}))
	cost.Propagate(upstream, res)

	return res
}
