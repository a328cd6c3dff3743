package tdsdec

import (
	"math"
	"testing"

	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec32"
)

func TestRecognizerValidation(t *testing.T) {
	dec := testDecoder(t)
	cases := [][3]int{{0, 1, 10}, {1, 0, 10}, {1, 1, 0}, {2, 3, 10}}
	for _, c := range cases {
		if _, err := NewRecognizer(dec, c[0], c[1], c[2]); err == nil {
			t.Errorf("parameters %v should fail", c)
		}
	}
	if _, err := NewRecognizer(dec, 3, 3, 10); err != nil {
		t.Error(err)
	}
}

func TestRecognizerEmptyEncoding(t *testing.T) {
	dec := testDecoder(t)
	rec, err := NewRecognizer(dec, 4, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	enc := tdsenc.EncodedSeq{
		Out: anydiff.NewConst(anyvec32.MakeVector(0)),
		Dim: dec.EncDim,
	}
	hyps := rec.Recognize(enc)
	if len(hyps) != 1 || len(hyps[0].Tokens) != 0 || hyps[0].Score != 0 {
		t.Errorf("expected a single empty hypothesis but got %v", hyps)
	}
}

// greedyDecode is a step-by-step argmax reference.
func greedyDecode(dec *Decoder, enc tdsenc.EncodedSeq, maxLen int) Hypothesis {
	var res Hypothesis
	st := dec.Start()
	prev := dec.EOS
	for len(res.Tokens) < maxLen {
		logProbs, next := dec.Step(enc, st, prev)
		probs := floats(logProbs.Output())
		best := 0
		for tok, lp := range probs {
			if lp > probs[best] {
				best = tok
			}
		}
		res.Score += probs[best]
		if best == dec.EOS {
			return res
		}
		res.Tokens = append(res.Tokens, best)
		st, prev = next, best
	}
	return res
}

func TestRecognizerGreedy(t *testing.T) {
	dec := testDecoder(t)
	rec, err := NewRecognizer(dec, 1, 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	enc := testEncoding(4, dec.EncDim)

	hyps := rec.Recognize(enc)
	if len(hyps) != 1 {
		t.Fatalf("expected 1 hypothesis but got %d", len(hyps))
	}
	expected := greedyDecode(dec, enc, 20)
	if len(hyps[0].Tokens) != len(expected.Tokens) {
		t.Fatalf("expected tokens %v but got %v", expected.Tokens, hyps[0].Tokens)
	}
	for i, tok := range expected.Tokens {
		if hyps[0].Tokens[i] != tok {
			t.Fatalf("expected tokens %v but got %v", expected.Tokens, hyps[0].Tokens)
		}
	}
}

func TestRecognizerBeamMonotonic(t *testing.T) {
	dec := testDecoder(t)
	enc := testEncoding(4, dec.EncDim)

	var lastBest float64
	for i, beamSize := range []int{1, 2, 4, 8} {
		rec, err := NewRecognizer(dec, beamSize, 1, 15)
		if err != nil {
			t.Fatal(err)
		}
		best := rec.Recognize(enc)[0].Score
		if i > 0 && best < lastBest-1e-6 {
			t.Errorf("beam %d found score %f, worse than %f", beamSize, best, lastBest)
		}
		lastBest = best
	}
}

// riggedDecoder builds a decoder whose next-token
// distribution depends only on the previous token, with
// the log-softmax of logits[prev] as the distribution.
func riggedDecoder(t *testing.T, logits [][]float64) *Decoder {
	c := anyvec32.CurrentCreator()
	vocab := len(logits)
	dec, err := NewDecoder(c, Config{
		VocabSize:  vocab,
		EmbedDim:   vocab,
		HiddenSize: vocab,
		NumLayers:  1,
		EncDim:     2,
		EOS:        0,
	})
	if err != nil {
		t.Fatal(err)
	}

	setVar := func(v *anydiff.Var, vals []float64) {
		v.Vector.Set(c.MakeVectorData(c.MakeNumericList(vals)))
	}
	zero := func(v *anydiff.Var) {
		setVar(v, make([]float64, v.Vector.Len()))
	}
	constVec := func(v *anydiff.Var, x float64) {
		vals := make([]float64, v.Vector.Len())
		for i := range vals {
			vals[i] = x
		}
		setVar(v, vals)
	}

	embed := make([]float64, vocab*vocab)
	for i := 0; i < vocab; i++ {
		embed[i*vocab+i] = 1
	}
	setVar(dec.Embedding, embed)

	// The LSTM copies a scaled-down one-hot embedding of
	// the previous token into the hidden state: the in and
	// output gates saturate open, the remember gate
	// saturates closed, and the input value reads the
	// embedding through a near-linear tanh.
	const s = 0.01
	cell := dec.cells[0]
	inWeights := make([]float64, vocab*(vocab+dec.EncDim))
	for i := 0; i < vocab; i++ {
		inWeights[i*(vocab+dec.EncDim)+i] = s
	}
	setVar(cell.InValue.InputWeights, inWeights)
	zero(cell.InValue.StateWeights)
	zero(cell.InValue.Biases)
	for _, g := range []*lstmGate{cell.In, cell.Output} {
		zero(g.InputWeights)
		zero(g.StateWeights)
		zero(g.Peephole)
		constVec(g.Biases, 20)
	}
	zero(cell.Remember.InputWeights)
	zero(cell.Remember.StateWeights)
	zero(cell.Remember.Peephole)
	constVec(cell.Remember.Biases, -20)
	zero(cell.InitOut)
	zero(cell.InitCell)

	// The output projection scales the hidden state back up
	// into the configured logits and ignores the attention
	// context.
	outWeights := make([]float64, vocab*(vocab+dec.EncDim))
	for next := 0; next < vocab; next++ {
		for prev := 0; prev < vocab; prev++ {
			outWeights[next*(vocab+dec.EncDim)+prev] = logits[prev][next] / s
		}
	}
	setVar(dec.OutProj.Weights, outWeights)
	zero(dec.OutProj.Biases)
	return dec
}

// An early completion must survive to the final ranking
// even when partial hypotheses outscore it at later steps.
func TestRecognizerEarlyCompletion(t *testing.T) {
	// From the start token, EOS is the second-best choice;
	// afterwards every continuation decays faster than the
	// immediate completion.
	dec := riggedDecoder(t, [][]float64{
		{0.6, 2, -3},
		{-2.2, 0, 0},
		{0, 0, 0},
	})
	rec, err := NewRecognizer(dec, 2, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	enc := testEncoding(2, dec.EncDim)

	hyps := rec.Recognize(enc)
	if len(hyps) != 2 {
		t.Fatalf("expected 2 hypotheses but got %d", len(hyps))
	}
	if len(hyps[0].Tokens) != 0 {
		t.Errorf("expected the empty transcription but got %v", hyps[0].Tokens)
	}
	if math.Abs(hyps[0].Score-(-1.6258)) > 1e-2 {
		t.Errorf("expected score about -1.6258 but got %f", hyps[0].Score)
	}
	if len(hyps[1].Tokens) != 3 {
		t.Errorf("expected a length-3 runner-up but got %v", hyps[1].Tokens)
	}
}

func TestRecognizerBounds(t *testing.T) {
	dec := testDecoder(t)
	rec, err := NewRecognizer(dec, 4, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	enc := testEncoding(5, dec.EncDim)

	hyps := rec.Recognize(enc)
	if len(hyps) != 4 {
		t.Fatalf("expected 4 hypotheses but got %d", len(hyps))
	}
	for i, hyp := range hyps {
		if len(hyp.Tokens) > 3 {
			t.Errorf("hypothesis %d exceeds the length cap: %v", i, hyp.Tokens)
		}
		for _, tok := range hyp.Tokens {
			if tok == dec.EOS {
				t.Errorf("hypothesis %d contains EOS: %v", i, hyp.Tokens)
			}
		}
		if i > 0 && hyp.Score > hyps[i-1].Score+1e-6 {
			t.Errorf("hypotheses out of order: %f before %f", hyps[i-1].Score, hyp.Score)
		}
	}
}
