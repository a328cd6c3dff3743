package tdsenc

import (
	"math"

	"github.com/battyone/sonosco"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A timeConv is a 1-D convolution over the time axis of a
// time-major (time, freq, channel) tensor.
//
// The filter mixes channels and is shared across the
// frequency axis, so each output entry at (t, f) sees a
// window of Kernel frames at frequency f.
// Symmetric zero padding keeps the output as long as the
// input, which requires an odd kernel size.
type timeConv struct {
	Kernel   int
	Freq     int
	InDepth  int
	OutDepth int

	// Weights holds Kernel filter matrices, each stored
	// row-major as (OutDepth, InDepth).
	Weights *anydiff.Var
	Biases  *anydiff.Var
}

func newTimeConv(c anyvec.Creator, kernel, freq, in, out int) *timeConv {
	weights := c.MakeVector(kernel * out * in)
	anyvec.Rand(weights, anyvec.Normal, nil)
	weights.Scale(c.MakeNumeric(1 / math.Sqrt(float64(kernel*in))))
	return &timeConv{
		Kernel:   kernel,
		Freq:     freq,
		InDepth:  in,
		OutDepth: out,
		Weights:  anydiff.NewVar(weights),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
}

// Apply convolves t frames, producing t output frames of
// Freq*OutDepth entries each.
func (tc *timeConv) Apply(in anydiff.Res, t int) anydiff.Res {
	c := in.Output().Creator()
	frame := tc.Freq * tc.InDepth
	if in.Output().Len() != t*frame {
		panic("invalid input size")
	}
	pad := (tc.Kernel - 1) / 2
	if pad > 0 {
		zeros := anydiff.NewConst(c.MakeVector(pad * frame))
		in = anydiff.Concat(zeros, in, zeros)
	}
	return anydiff.Pool(in, func(padded anydiff.Res) anydiff.Res {
		filterSize := tc.OutDepth * tc.InDepth
		var sum anydiff.Res
		for d := 0; d < tc.Kernel; d++ {
			window := &anydiff.Matrix{
				Data: anydiff.Slice(padded, d*frame, (d+t)*frame),
				Rows: t * tc.Freq,
				Cols: tc.InDepth,
			}
			filter := &anydiff.Matrix{
				Data: anydiff.Slice(tc.Weights, d*filterSize, (d+1)*filterSize),
				Rows: tc.OutDepth,
				Cols: tc.InDepth,
			}
			prod := anydiff.MatMul(false, true, window, filter).Data
			if sum == nil {
				sum = prod
			} else {
				sum = anydiff.Add(sum, prod)
			}
		}
		return anydiff.AddRepeated(sum, tc.Biases)
	})
}

func (tc *timeConv) Parameters() []*anydiff.Var {
	return []*anydiff.Var{tc.Weights, tc.Biases}
}

// A downConv is a stride-2 convolution over the time axis
// with a kernel of 2 frames.
//
// It changes the channel count and halves the frame count,
// rounding up: an odd input is zero-padded by one frame.
type downConv struct {
	Freq     int
	InDepth  int
	OutDepth int

	// Weights holds the two tap matrices, each stored
	// row-major as (OutDepth, InDepth).
	Weights *anydiff.Var
	Biases  *anydiff.Var
}

func newDownConv(c anyvec.Creator, freq, in, out int) *downConv {
	weights := c.MakeVector(2 * out * in)
	anyvec.Rand(weights, anyvec.Normal, nil)
	weights.Scale(c.MakeNumeric(1 / math.Sqrt(float64(2*in))))
	return &downConv{
		Freq:     freq,
		InDepth:  in,
		OutDepth: out,
		Weights:  anydiff.NewVar(weights),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
}

// OutLen returns the number of output frames for t input
// frames.
func (dc *downConv) OutLen(t int) int {
	return (t + 1) / 2
}

// Apply convolves t frames, producing OutLen(t) output
// frames of Freq*OutDepth entries each.
func (dc *downConv) Apply(in anydiff.Res, t int) anydiff.Res {
	c := in.Output().Creator()
	frame := dc.Freq * dc.InDepth
	if in.Output().Len() != t*frame {
		panic("invalid input size")
	}
	if t%2 == 1 {
		in = anydiff.Concat(in, anydiff.NewConst(c.MakeVector(frame)))
	}
	outT := dc.OutLen(t)
	return anydiff.Pool(in, func(padded anydiff.Res) anydiff.Res {
		filterSize := dc.OutDepth * dc.InDepth
		var sum anydiff.Res
		for d := 0; d < 2; d++ {
			table := make([]int, 0, outT*frame)
			for j := 0; j < outT; j++ {
				start := (2*j + d) * frame
				for i := 0; i < frame; i++ {
					table = append(table, start+i)
				}
			}
			mapper := c.MakeMapper(padded.Output().Len(), table)
			window := &anydiff.Matrix{
				Data: sonosco.Gather(padded, mapper),
				Rows: outT * dc.Freq,
				Cols: dc.InDepth,
			}
			filter := &anydiff.Matrix{
				Data: anydiff.Slice(dc.Weights, d*filterSize, (d+1)*filterSize),
				Rows: dc.OutDepth,
				Cols: dc.InDepth,
			}
			prod := anydiff.MatMul(false, true, window, filter).Data
			if sum == nil {
				sum = prod
			} else {
				sum = anydiff.Add(sum, prod)
			}
		}
		return anydiff.AddRepeated(sum, dc.Biases)
	})
}

func (dc *downConv) Parameters() []*anydiff.Var {
	return []*anydiff.Var{dc.Weights, dc.Biases}
}
