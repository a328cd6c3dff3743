package tdsdec

import (
	"math"
	"testing"

	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func testDecoder(t *testing.T) *Decoder {
	dec, err := NewDecoder(anyvec32.CurrentCreator(), Config{
		VocabSize:  4,
		EmbedDim:   3,
		HiddenSize: 5,
		NumLayers:  2,
		EncDim:     6,
		EOS:        0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return dec
}

func testEncoding(encLen, encDim int) tdsenc.EncodedSeq {
	data := anyvec32.MakeVector(encLen * encDim)
	anyvec.Rand(data, anyvec.Normal, nil)
	return tdsenc.EncodedSeq{
		Out: anydiff.NewConst(data),
		Len: encLen,
		Dim: encDim,
	}
}

func TestDecoderStep(t *testing.T) {
	dec := testDecoder(t)
	enc := testEncoding(3, dec.EncDim)

	logProbs, next := dec.Step(enc, dec.Start(), dec.EOS)
	if logProbs.Output().Len() != dec.VocabSize {
		t.Fatalf("expected %d log-probs but got %d", dec.VocabSize, logProbs.Output().Len())
	}
	probs := floats(logProbs.Output())
	var sum float64
	for _, lp := range probs {
		if lp > 0 {
			t.Errorf("log-probability %f is positive", lp)
		}
		sum += math.Exp(lp)
	}
	if math.Abs(sum-1) > 1e-3 {
		t.Errorf("probabilities sum to %f", sum)
	}
	if next == nil {
		t.Fatal("no next state")
	}
}

func TestDecoderStateImmutability(t *testing.T) {
	dec := testDecoder(t)
	enc := testEncoding(3, dec.EncDim)

	start := dec.Start()
	first, _ := dec.Step(enc, start, dec.EOS)
	_, mid := dec.Step(enc, start, 1)
	dec.Step(enc, mid, 2)
	second, _ := dec.Step(enc, start, dec.EOS)

	a := floats(first.Output())
	b := floats(second.Output())
	for i, x := range a {
		if math.Abs(b[i]-x) > 1e-4 {
			t.Fatalf("output %d changed from %f to %f", i, x, b[i])
		}
	}
}

func TestDecoderEmptyEncoding(t *testing.T) {
	dec := testDecoder(t)
	enc := tdsenc.EncodedSeq{
		Out: anydiff.NewConst(anyvec32.MakeVector(0)),
		Dim: dec.EncDim,
	}
	logProbs, _ := dec.Step(enc, dec.Start(), dec.EOS)
	if logProbs.Output().Len() != dec.VocabSize {
		t.Fatal("bad output size for empty encoding")
	}
	loss := dec.ForwardLoss(enc, []int{1, 2})
	if loss.Output().Len() != 1 {
		t.Fatal("bad loss size for empty encoding")
	}
}

func TestDecoderForwardLoss(t *testing.T) {
	dec := testDecoder(t)
	enc := testEncoding(3, dec.EncDim)
	labels := []int{2, 1, 3}

	actual := floats(dec.ForwardLoss(enc, labels).Output())[0]

	feed := append([]int{dec.EOS}, labels...)
	targets := append(append([]int{}, labels...), dec.EOS)
	var expected float64
	st := dec.Start()
	for i, tok := range feed {
		var logProbs anydiff.Res
		logProbs, st = dec.Step(enc, st, tok)
		expected -= floats(logProbs.Output())[targets[i]]
	}

	if math.Abs(actual-expected) > 1e-3 {
		t.Errorf("expected loss %f but got %f", expected, actual)
	}
}

func TestDecoderProp(t *testing.T) {
	// Double precision keeps the difference quotients
	// accurate through the recurrence.
	dec, err := NewDecoder(anyvec64.CurrentCreator(), Config{
		VocabSize:  3,
		EmbedDim:   2,
		HiddenSize: 3,
		NumLayers:  1,
		EncDim:     2,
		EOS:        0,
	})
	if err != nil {
		t.Fatal(err)
	}
	encData := anyvec64.MakeVector(4)
	anyvec.Rand(encData, anyvec.Normal, nil)
	encVar := anydiff.NewVar(encData)
	enc := tdsenc.EncodedSeq{Out: encVar, Len: 2, Dim: 2}

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return dec.ForwardLoss(enc, []int{1, 2})
		},
		V: append([]*anydiff.Var{encVar}, dec.Parameters()...),
	}
	checker.FullCheck(t)
}

func TestDecoderSerialize(t *testing.T) {
	dec := testDecoder(t)
	data, err := serializer.SerializeAny(dec)
	if err != nil {
		t.Fatal(err)
	}
	var newDec *Decoder
	if err := serializer.DeserializeAny(data, &newDec); err != nil {
		t.Fatal(err)
	}

	enc := testEncoding(3, dec.EncDim)
	old := floats(dec.ForwardLoss(enc, []int{1, 2}).Output())
	restored := floats(newDec.ForwardLoss(enc, []int{1, 2}).Output())
	if math.Abs(old[0]-restored[0]) > 1e-4 {
		t.Errorf("expected loss %f but got %f", old[0], restored[0])
	}
}
