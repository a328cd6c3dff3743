// Package tdsdec implements an attention-based recurrent
// decoder and a beam-search recognizer over encodings
// produced by the tdsenc package.
package tdsdec

import (
	"fmt"
	"math"

	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Decoder
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDecoder)
}

// Config describes the architecture of a Decoder.
type Config struct {
	// VocabSize is the number of output tokens, including
	// the EOS token.
	VocabSize int

	EmbedDim   int
	HiddenSize int
	NumLayers  int

	// EncDim is the size of the encoding vectors the
	// decoder attends over.
	EncDim int

	// EOS is the end-of-sequence token. It doubles as the
	// start token fed before the first step.
	EOS int
}

// A State is the recurrent state of a Decoder.
//
// States are immutable once returned, so multiple
// decoding hypotheses may extend the same State without
// copying it.
type State struct {
	out  []anydiff.Res
	cell []anydiff.Res
}

// A Decoder predicts a token sequence one step at a time,
// attending over an encoded utterance.
type Decoder struct {
	VocabSize  int
	EmbedDim   int
	HiddenSize int
	NumLayers  int
	EncDim     int
	EOS        int

	// Embedding packs VocabSize rows of EmbedDim entries.
	Embedding *anydiff.Var

	// KeyProj projects encodings into the attention key
	// space, where they are scored against the previous
	// top-layer hidden state.
	KeyProj *anynet.FC

	cells []*lstmCell

	// OutProj maps the top hidden state joined with the
	// attention context to token logits.
	OutProj *anynet.FC
}

// NewDecoder creates a randomized Decoder.
// It fails if the configuration is inconsistent.
func NewDecoder(c anyvec.Creator, conf Config) (*Decoder, error) {
	if conf.VocabSize < 1 || conf.EmbedDim < 1 || conf.HiddenSize < 1 ||
		conf.NumLayers < 1 || conf.EncDim < 1 {
		return nil, fmt.Errorf("new decoder: dimensions must be positive")
	}
	if conf.EOS < 0 || conf.EOS >= conf.VocabSize {
		return nil, fmt.Errorf("new decoder: EOS token %d outside vocabulary of size %d",
			conf.EOS, conf.VocabSize)
	}
	embedding := c.MakeVector(conf.VocabSize * conf.EmbedDim)
	anyvec.Rand(embedding, anyvec.Normal, nil)
	embedding.Scale(c.MakeNumeric(1 / math.Sqrt(float64(conf.EmbedDim))))
	res := &Decoder{
		VocabSize:  conf.VocabSize,
		EmbedDim:   conf.EmbedDim,
		HiddenSize: conf.HiddenSize,
		NumLayers:  conf.NumLayers,
		EncDim:     conf.EncDim,
		EOS:        conf.EOS,
		Embedding:  anydiff.NewVar(embedding),
		KeyProj:    anynet.NewFC(c, conf.EncDim, conf.HiddenSize),
		OutProj:    anynet.NewFC(c, conf.HiddenSize+conf.EncDim, conf.VocabSize),
	}
	inSize := conf.EmbedDim + conf.EncDim
	for i := 0; i < conf.NumLayers; i++ {
		res.cells = append(res.cells, newLSTMCell(c, inSize, conf.HiddenSize))
		inSize = conf.HiddenSize
	}
	return res, nil
}

// DeserializeDecoder deserializes a Decoder.
func DeserializeDecoder(d []byte) (*Decoder, error) {
	res, err := deserializeDecoder(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize decoder", err)
	}
	return res, nil
}

func deserializeDecoder(d []byte) (*Decoder, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	const numInts = 6
	if len(slice) < numInts+1 {
		return nil, fmt.Errorf("not enough fields")
	}
	var conf [numInts]int
	for i := range conf {
		num, ok := slice[i].(serializer.Int)
		if !ok {
			return nil, fmt.Errorf("expected int but got %T", slice[i])
		}
		conf[i] = int(num)
	}
	vecs := make([]anyvec.Vector, len(slice)-numInts)
	for i, x := range slice[numInts:] {
		s, ok := x.(*anyvecsave.S)
		if !ok {
			return nil, fmt.Errorf("expected vector but got %T", x)
		}
		vecs[i] = s.Vector
	}
	res, err := NewDecoder(vecs[0].Creator(), Config{
		VocabSize:  conf[0],
		EmbedDim:   conf[1],
		HiddenSize: conf[2],
		NumLayers:  conf[3],
		EncDim:     conf[4],
		EOS:        conf[5],
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

// Start returns the initial recurrent state.
func (d *Decoder) Start() *State {
	st := &State{}
	for _, c := range d.cells {
		st.out = append(st.out, c.InitOut)
		st.cell = append(st.cell, c.InitCell)
	}
	return st
}

// Step runs one decoding step.
//
// It embeds prevTok, attends over the encoding using the
// previous top-layer hidden state as the query, runs the
// LSTM stack, and returns the log-probabilities of the
// next token along with the new state.
func (d *Decoder) Step(enc tdsenc.EncodedSeq, st *State, prevTok int) (anydiff.Res, *State) {
	if prevTok < 0 || prevTok >= d.VocabSize {
		panic(fmt.Sprintf("token %d outside vocabulary of size %d", prevTok, d.VocabSize))
	}
	if enc.Len > 0 && enc.Dim != d.EncDim {
		panic(fmt.Sprintf("encoding size should be %d, but got %d", d.EncDim, enc.Dim))
	}
	embedded := anydiff.Slice(d.Embedding, prevTok*d.EmbedDim, (prevTok+1)*d.EmbedDim)
	query := st.out[len(st.out)-1]
	context := d.attend(enc, query)

	next := &State{}
	x := anydiff.Concat(embedded, context)
	for i, cell := range d.cells {
		h, c := cell.step(x, st.out[i], st.cell[i])
		next.out = append(next.out, h)
		next.cell = append(next.cell, c)
		x = h
	}

	joined := anydiff.Concat(x, context)
	logits := d.OutProj.Apply(joined, 1)
	return anynet.LogSoftmax.Apply(logits, 1), next
}

// ForwardLoss computes the teacher-forced cross-entropy
// of a label sequence, summed over the labels and the
// final EOS.
func (d *Decoder) ForwardLoss(enc tdsenc.EncodedSeq, labels []int) anydiff.Res {
	for _, l := range labels {
		if l < 0 || l >= d.VocabSize {
			panic(fmt.Sprintf("token %d outside vocabulary of size %d", l, d.VocabSize))
		}
	}
	feed := append([]int{d.EOS}, labels...)
	targets := append(append([]int{}, labels...), d.EOS)
	return d.lossFrom(enc, d.Start(), feed, targets)
}

func (d *Decoder) lossFrom(enc tdsenc.EncodedSeq, st *State, feed,
	targets []int) anydiff.Res {
	logProbs, next := d.Step(enc, st, feed[0])
	desired := anydiff.NewConst(d.oneHot(logProbs.Output().Creator(), targets[0]))
	cost := anynet.DotCost{}.Cost(desired, logProbs, 1)
	if len(targets) == 1 {
		return cost
	}
	rest := poolState(next, func(next *State) anydiff.Res {
		return d.lossFrom(enc, next, feed[1:], targets[1:])
	})
	return anydiff.Add(cost, rest)
}

// Parameters returns the decoder's parameters, starting
// with the embedding matrix.
func (d *Decoder) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{d.Embedding}
	res = append(res, d.KeyProj.Parameters()...)
	for _, c := range d.cells {
		res = append(res, c.parameters()...)
	}
	return append(res, d.OutProj.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a Decoder with the serializer package.
func (d *Decoder) SerializerType() string {
	return "github.com/battyone/sonosco/tdsdec.Decoder"
}

// Serialize serializes the Decoder.
func (d *Decoder) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{
		serializer.Int(d.VocabSize),
		serializer.Int(d.EmbedDim),
		serializer.Int(d.HiddenSize),
		serializer.Int(d.NumLayers),
		serializer.Int(d.EncDim),
		serializer.Int(d.EOS),
	}
	for _, p := range d.Parameters() {
		parts = append(parts, &anyvecsave.S{Vector: p.Vector})
	}
	return serializer.SerializeSlice(parts)
}

// attend produces the attention context for a query.
// An empty encoding yields a zero context.
func (d *Decoder) attend(enc tdsenc.EncodedSeq, query anydiff.Res) anydiff.Res {
	c := query.Output().Creator()
	if enc.Len == 0 {
		return anydiff.NewConst(c.MakeVector(d.EncDim))
	}
	keys := d.KeyProj.Apply(enc.Out, enc.Len)
	scores := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: query, Rows: 1, Cols: d.HiddenSize},
		&anydiff.Matrix{Data: keys, Rows: enc.Len, Cols: d.HiddenSize}).Data
	scores = anydiff.Scale(scores, c.MakeNumeric(1/math.Sqrt(float64(d.HiddenSize))))
	weights := anydiff.Exp(anydiff.LogSoftmax(scores, enc.Len))
	return anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: weights, Rows: 1, Cols: enc.Len},
		&anydiff.Matrix{Data: enc.Out, Rows: enc.Len, Cols: d.EncDim}).Data
}

func (d *Decoder) oneHot(c anyvec.Creator, tok int) anyvec.Vector {
	values := make([]float64, d.VocabSize)
	values[tok] = 1
	return c.MakeVectorData(c.MakeNumericList(values))
}

// poolState pools every vector of a state so that the
// result of f propagates through each of them exactly
// once.
func poolState(st *State, f func(st *State) anydiff.Res) anydiff.Res {
	reses := append(append([]anydiff.Res{}, st.out...), st.cell...)
	return poolReses(reses, nil, func(pooled []anydiff.Res) anydiff.Res {
		n := len(st.out)
		return f(&State{out: pooled[:n], cell: pooled[n:]})
	})
}

func poolReses(rest, pooled []anydiff.Res, f func([]anydiff.Res) anydiff.Res) anydiff.Res {
	if len(rest) == 0 {
		return f(pooled)
	}
	return anydiff.Pool(rest[0], func(r anydiff.Res) anydiff.Res {
		return poolReses(rest[1:], append(pooled, r), f)
	})
}
