// Command train runs the speech model on a synthetic
// corpus, which is handy for smoke-testing the training
// loop and the recognizer end to end.
package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/battyone/sonosco/tdsdec"
	"github.com/battyone/sonosco/tdsenc"
	"github.com/battyone/sonosco/tdstrain"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/rip"
)

const (
	inputDim  = 16
	vocabSize = 8
	eosToken  = 0
)

func main() {
	var checkpointDir string
	var resume bool
	var epochs int
	flag.StringVar(&checkpointDir, "checkpoints", "checkpoints", "checkpoint directory")
	flag.BoolVar(&resume, "resume", false, "continue from the latest checkpoint")
	flag.IntVar(&epochs, "epochs", 10, "number of epochs")
	flag.Parse()

	log.Println("Setting up...")

	creator := anyvec32.CurrentCreator()
	encoder, err := tdsenc.NewEncoder(creator, tdsenc.Config{
		InputDim:      inputDim,
		InChannel:     1,
		Channels:      []int{4, 4, 8},
		KernelSizes:   []int{5, 5, 5},
		Dropout:       0.1,
		BottleneckDim: 32,
	})
	if err != nil {
		log.Fatal(err)
	}
	decoder, err := tdsdec.NewDecoder(creator, tdsdec.Config{
		VocabSize:  vocabSize,
		EmbedDim:   16,
		HiddenSize: 32,
		NumLayers:  2,
		EncDim:     32,
		EOS:        eosToken,
	})
	if err != nil {
		log.Fatal(err)
	}

	mode := tdstrain.Fresh
	if resume {
		mode = tdstrain.Continue
	}
	loop, err := tdstrain.NewLoop(tdstrain.Config{
		Encoder:            encoder,
		Decoder:            decoder,
		Samples:            syntheticCorpus(creator, 256),
		TestSamples:        syntheticCorpus(creator, 32),
		BatchSize:          16,
		MaxEpochs:          epochs,
		LearningRate:       1e-3,
		LearningAnneal:     1.1,
		Momentum:           0.9,
		WeightDecay:        1e-5,
		MaxGradNorm:        400,
		GrowthInterval:     2000,
		SortaGrad:          true,
		TestStep:           50,
		CheckpointPerEpoch: 1,
		Store:              &tdstrain.FileStore{Dir: checkpointDir},
		StartMode:          mode,
		StatusFunc: func(s tdstrain.Status) {
			switch {
			case s.Validation:
				log.Printf("epoch %d step %d: validation=%f", s.Epoch, s.Step, s.Cost)
			case s.Skipped:
				log.Printf("epoch %d step %d: overflow, scale=%f", s.Epoch, s.Step, s.Scale)
			default:
				log.Printf("epoch %d step %d: cost=%f scale=%f", s.Epoch, s.Step,
					s.Cost, s.Scale)
			}
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Press ctrl+c once to stop...")
	if err := loop.Run(rip.NewRIP().Chan()); err != nil {
		log.Fatal(err)
	}

	log.Println("Transcribing a sample...")
	recognizer, err := tdsdec.NewRecognizer(decoder, 8, 1, 50)
	if err != nil {
		log.Fatal(err)
	}
	sample := syntheticCorpus(creator, 1)[0]
	in := anydiff.NewConst(sample.Input)
	enc := encoder.Encode([]anydiff.Res{in}, []int{sample.Frames})
	for _, hyp := range recognizer.Recognize(enc[0]) {
		log.Printf("score=%f tokens=%v (want %v)", hyp.Score, hyp.Tokens, sample.Labels)
	}
}

// syntheticCorpus generates utterances whose labels are
// recoverable from the features: each label stretch
// biases a band of the feature vector.
func syntheticCorpus(c anyvec.Creator, n int) tdstrain.SliceSampleList {
	gen := rand.New(rand.NewSource(int64(n)))
	var res tdstrain.SliceSampleList
	for i := 0; i < n; i++ {
		numLabels := 1 + gen.Intn(4)
		labels := make([]int, numLabels)
		var features []float64
		for j := range labels {
			labels[j] = 1 + gen.Intn(vocabSize-1)
			for f := 0; f < 4; f++ {
				frame := make([]float64, inputDim)
				for k := range frame {
					frame[k] = gen.NormFloat64() * 0.1
				}
				frame[labels[j]*2-1] += 1
				features = append(features, frame...)
			}
		}
		frames := len(features) / inputDim
		res = append(res, tdstrain.Sample{
			Input:  c.MakeVectorData(c.MakeNumericList(features)),
			Frames: frames,
			Labels: labels,
		})
	}
	return res
}
