package tdstrain

import (
	"math/rand"
	"testing"

	"github.com/battyone/sonosco/tdsdec"
	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func testModel(t *testing.T) (*tdsenc.Encoder, *tdsdec.Decoder) {
	c := anyvec32.CurrentCreator()
	enc, err := tdsenc.NewEncoder(c, tdsenc.Config{
		InputDim:      3,
		InChannel:     1,
		Channels:      []int{2},
		KernelSizes:   []int{3},
		BottleneckDim: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := tdsdec.NewDecoder(c, tdsdec.Config{
		VocabSize:  4,
		EmbedDim:   2,
		HiddenSize: 3,
		NumLayers:  1,
		EncDim:     4,
		EOS:        0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return enc, dec
}

func testSamples(n, inputDim int) SliceSampleList {
	gen := rand.New(rand.NewSource(1337))
	var res SliceSampleList
	for i := 0; i < n; i++ {
		frames := 3 + gen.Intn(4)
		input := anyvec32.MakeVector(frames * inputDim)
		anyvec.Rand(input, anyvec.Normal, nil)
		labels := make([]int, 2)
		for j := range labels {
			labels[j] = 1 + gen.Intn(3)
		}
		res = append(res, Sample{Input: input, Frames: frames, Labels: labels})
	}
	return res
}
