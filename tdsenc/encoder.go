// Package tdsenc implements a time-depth-separable
// convolutional encoder for speech recognition.
//
// The encoder consumes a sequence of acoustic feature
// frames and produces a shorter sequence of embedding
// vectors, sub-sampling the time axis by a factor of two
// at every channel-count change.
package tdsenc

import (
	"fmt"

	"github.com/battyone/sonosco"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Encoder
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEncoder)
}

// Config describes the architecture of an Encoder.
type Config struct {
	// InputDim is the size of each input frame.
	InputDim int

	// InChannel is the channel count the input frames are
	// reshaped to, so each frame is viewed as an
	// (InChannel, InputDim/InChannel) grid.
	InChannel int

	// Channels and KernelSizes configure one TDS block per
	// entry. A stride-2 sub-sampling convolution is
	// inserted in front of every block whose channel count
	// differs from its predecessor's.
	Channels    []int
	KernelSizes []int

	// Dropout is the probability of dropping an
	// activation during training.
	Dropout float64

	// BottleneckDim sizes the blocks' fully-connected
	// bottleneck and the final bridge projection. If it is
	// 0, no bridge is used and the bottleneck matches the
	// frame size.
	BottleneckDim int
}

// An EncodedSeq is the encoding of one utterance.
type EncodedSeq struct {
	// Out packs Len rows of Dim entries.
	Out anydiff.Res

	Len int
	Dim int
}

// An Encoder is a stack of TDS blocks with sub-sampling
// convolutions at the channel-count changes.
type Encoder struct {
	InputDim   int
	InChannel  int
	Freq       int
	Channels   []int
	Kernels    []int
	Bottleneck int

	// Dropout is shared by every block. It is disabled by
	// default; training code enables it.
	Dropout *anynet.Dropout

	stages []*stage
	bridge *anynet.FC
}

type stage struct {
	// Down is nil when the stage keeps its channel count.
	Down  *downConv
	Block *tdsBlock
}

// NewEncoder creates a randomized Encoder.
// It fails if the configuration is inconsistent.
func NewEncoder(c anyvec.Creator, conf Config) (*Encoder, error) {
	if len(conf.Channels) == 0 {
		return nil, fmt.Errorf("new encoder: no blocks configured")
	}
	if len(conf.Channels) != len(conf.KernelSizes) {
		return nil, fmt.Errorf("new encoder: got %d channel counts but %d kernel sizes",
			len(conf.Channels), len(conf.KernelSizes))
	}
	if conf.InputDim < 1 || conf.InChannel < 1 {
		return nil, fmt.Errorf("new encoder: input dimensions must be positive")
	}
	if conf.InputDim%conf.InChannel != 0 {
		return nil, fmt.Errorf("new encoder: input size %d is not divisible by %d channels",
			conf.InputDim, conf.InChannel)
	}
	if conf.Dropout < 0 || conf.Dropout >= 1 {
		return nil, fmt.Errorf("new encoder: invalid dropout probability: %v", conf.Dropout)
	}
	if conf.BottleneckDim < 0 {
		return nil, fmt.Errorf("new encoder: invalid bottleneck size: %d", conf.BottleneckDim)
	}
	for i, ch := range conf.Channels {
		if ch < 1 {
			return nil, fmt.Errorf("new encoder: block %d: invalid channel count: %d", i, ch)
		}
		k := conf.KernelSizes[i]
		if k < 1 || k%2 == 0 {
			return nil, fmt.Errorf("new encoder: block %d: kernel size must be odd, got %d",
				i, k)
		}
	}

	freq := conf.InputDim / conf.InChannel
	res := &Encoder{
		InputDim:   conf.InputDim,
		InChannel:  conf.InChannel,
		Freq:       freq,
		Channels:   append([]int{}, conf.Channels...),
		Kernels:    append([]int{}, conf.KernelSizes...),
		Bottleneck: conf.BottleneckDim,
		Dropout:    &anynet.Dropout{KeepProb: 1 - conf.Dropout},
	}
	depth := conf.InChannel
	for i, ch := range conf.Channels {
		s := &stage{}
		if ch != depth {
			s.Down = newDownConv(c, freq, depth, ch)
			depth = ch
		}
		s.Block = newTDSBlock(c, conf.KernelSizes[i], freq, depth, conf.BottleneckDim,
			res.Dropout)
		res.stages = append(res.stages, s)
	}
	if conf.BottleneckDim > 0 {
		res.bridge = anynet.NewFC(c, freq*depth, conf.BottleneckDim)
	}
	return res, nil
}

// DeserializeEncoder deserializes an Encoder.
func DeserializeEncoder(d []byte) (*Encoder, error) {
	res, err := deserializeEncoder(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize encoder", err)
	}
	return res, nil
}

func deserializeEncoder(d []byte) (*Encoder, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	ints := func(n int) ([]int, error) {
		if len(slice) < n {
			return nil, fmt.Errorf("not enough fields")
		}
		res := make([]int, n)
		for i := range res {
			num, ok := slice[i].(serializer.Int)
			if !ok {
				return nil, fmt.Errorf("expected int but got %T", slice[i])
			}
			res[i] = int(num)
		}
		slice = slice[n:]
		return res, nil
	}

	header, err := ints(3)
	if err != nil {
		return nil, err
	}
	numBlocks := header[2]
	if numBlocks < 1 {
		return nil, fmt.Errorf("invalid block count: %d", numBlocks)
	}
	channels, err := ints(numBlocks)
	if err != nil {
		return nil, err
	}
	kernels, err := ints(numBlocks)
	if err != nil {
		return nil, err
	}
	if len(slice) < 2 {
		return nil, fmt.Errorf("not enough fields")
	}
	dropProb, ok := slice[0].(serializer.Float64)
	if !ok {
		return nil, fmt.Errorf("expected float but got %T", slice[0])
	}
	bottleneck, ok := slice[1].(serializer.Int)
	if !ok {
		return nil, fmt.Errorf("expected int but got %T", slice[1])
	}
	slice = slice[2:]

	if len(slice) == 0 {
		return nil, fmt.Errorf("missing parameters")
	}
	vecs := make([]anyvec.Vector, len(slice))
	for i, x := range slice {
		s, ok := x.(*anyvecsave.S)
		if !ok {
			return nil, fmt.Errorf("expected vector but got %T", x)
		}
		vecs[i] = s.Vector
	}

	res, err := NewEncoder(vecs[0].Creator(), Config{
		InputDim:      header[0],
		InChannel:     header[1],
		Channels:      channels,
		KernelSizes:   kernels,
		Dropout:       float64(dropProb),
		BottleneckDim: int(bottleneck),
	})
	if err != nil {
		return nil, err
	}
	params := res.Parameters()
	if len(params) != len(vecs) {
		return nil, fmt.Errorf("expected %d parameters but got %d", len(params), len(vecs))
	}
	for i, p := range params {
		if p.Vector.Len() != vecs[i].Len() {
			return nil, fmt.Errorf("parameter %d: expected size %d but got %d",
				i, p.Vector.Len(), vecs[i].Len())
		}
		p.Vector.Set(vecs[i])
	}
	return res, nil
}

// OutDim returns the size of the encoding vectors.
func (e *Encoder) OutDim() int {
	if e.Bottleneck > 0 {
		return e.Bottleneck
	}
	return e.Freq * e.Channels[len(e.Channels)-1]
}

// OutLen returns the number of encoding vectors produced
// for an utterance of inLen frames, without running the
// network. Every sub-sampling stage rounds up.
func (e *Encoder) OutLen(inLen int) int {
	l := inLen
	for _, s := range e.stages {
		if s.Down != nil {
			l = s.Down.OutLen(l)
		}
	}
	return l
}

// Apply encodes a single utterance of inLen frames,
// producing OutLen(inLen) rows of OutDim() entries.
func (e *Encoder) Apply(in anydiff.Res, inLen int) anydiff.Res {
	c := in.Output().Creator()
	if in.Output().Len() != inLen*e.InputDim {
		panic("invalid input size")
	}
	if inLen == 0 {
		return anydiff.NewConst(c.MakeVector(0))
	}
	cur := e.permuteIn(in, inLen)
	t := inLen
	for _, s := range e.stages {
		if s.Down != nil {
			cur = s.Down.Apply(cur, t)
			t = s.Down.OutLen(t)
		}
		cur = s.Block.Apply(cur, t)
	}
	if e.bridge != nil {
		cur = e.bridge.Apply(cur, t)
	}
	return cur
}

// Encode encodes a batch of utterances.
// Each utterance is processed independently, so the
// result for an utterance does not depend on what else is
// in the batch.
func (e *Encoder) Encode(ins []anydiff.Res, lens []int) []EncodedSeq {
	if len(ins) != len(lens) {
		panic("length count mismatch")
	}
	res := make([]EncodedSeq, len(ins))
	for i, in := range ins {
		res[i] = EncodedSeq{
			Out: e.Apply(in, lens[i]),
			Len: e.OutLen(lens[i]),
			Dim: e.OutDim(),
		}
	}
	return res
}

// Parameters returns the parameters of every convolution,
// normalization, and projection, in application order.
func (e *Encoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, s := range e.stages {
		if s.Down != nil {
			res = append(res, s.Down.Parameters()...)
		}
		res = append(res, s.Block.Parameters()...)
	}
	if e.bridge != nil {
		res = append(res, e.bridge.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an Encoder with the serializer package.
func (e *Encoder) SerializerType() string {
	return "github.com/battyone/sonosco/tdsenc.Encoder"
}

// Serialize serializes the Encoder.
func (e *Encoder) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{
		serializer.Int(e.InputDim),
		serializer.Int(e.InChannel),
		serializer.Int(len(e.Channels)),
	}
	for _, ch := range e.Channels {
		parts = append(parts, serializer.Int(ch))
	}
	for _, k := range e.Kernels {
		parts = append(parts, serializer.Int(k))
	}
	parts = append(parts, serializer.Float64(1-e.Dropout.KeepProb),
		serializer.Int(e.Bottleneck))
	for _, p := range e.Parameters() {
		parts = append(parts, &anyvecsave.S{Vector: p.Vector})
	}
	return serializer.SerializeSlice(parts)
}

// permuteIn reorders each (channel, freq) input frame into
// the internal (freq, channel) layout.
func (e *Encoder) permuteIn(in anydiff.Res, t int) anydiff.Res {
	if e.InChannel == 1 {
		return in
	}
	c := in.Output().Creator()
	table := make([]int, 0, t*e.InputDim)
	for i := 0; i < t; i++ {
		base := i * e.InputDim
		for f := 0; f < e.Freq; f++ {
			for ch := 0; ch < e.InChannel; ch++ {
				table = append(table, base+ch*e.Freq+f)
			}
		}
	}
	return sonosco.Gather(in, c.MakeMapper(t*e.InputDim, table))
}
