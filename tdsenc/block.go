package tdsenc

import (
	"github.com/battyone/sonosco"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// A tdsBlock is one time-depth-separable block.
//
// It applies a residual time convolution followed by a
// residual bottleneck of two fully-connected sub-layers,
// with layer normalization after each residual sum.
// The frame size Freq*Depth is preserved.
type tdsBlock struct {
	Freq  int
	Depth int

	Conv  *timeConv
	Norm1 *sonosco.LayerNorm
	FC1   *anynet.FC
	FC2   *anynet.FC
	Norm2 *sonosco.LayerNorm

	Dropout *anynet.Dropout
}

func newTDSBlock(c anyvec.Creator, kernel, freq, depth, bottleneck int, do *anynet.Dropout) *tdsBlock {
	frame := freq * depth
	if bottleneck == 0 {
		bottleneck = frame
	}
	return &tdsBlock{
		Freq:    freq,
		Depth:   depth,
		Conv:    newTimeConv(c, kernel, freq, depth, depth),
		Norm1:   sonosco.NewLayerNorm(c, frame),
		FC1:     anynet.NewFC(c, frame, bottleneck),
		FC2:     anynet.NewFC(c, bottleneck, frame),
		Norm2:   sonosco.NewLayerNorm(c, frame),
		Dropout: do,
	}
}

// Apply runs the block over t frames.
func (b *tdsBlock) Apply(in anydiff.Res, t int) anydiff.Res {
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		conved := b.Conv.Apply(in, t)
		conved = anynet.ReLU.Apply(conved, t)
		conved = b.Dropout.Apply(conved, t)
		summed := b.Norm1.Apply(anydiff.Add(in, conved), t)
		return anydiff.Pool(summed, func(summed anydiff.Res) anydiff.Res {
			hidden := b.FC1.Apply(summed, t)
			hidden = anynet.ReLU.Apply(hidden, t)
			hidden = b.Dropout.Apply(hidden, t)
			hidden = b.FC2.Apply(hidden, t)
			hidden = b.Dropout.Apply(hidden, t)
			return b.Norm2.Apply(anydiff.Add(summed, hidden), t)
		})
	})
}

func (b *tdsBlock) Parameters() []*anydiff.Var {
	return anynet.AllParameters(b.Conv, b.Norm1, b.FC1, b.FC2, b.Norm2)
}
