package tdsenc

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func TestTimeConvOutput(t *testing.T) {
	c := anyvec32.CurrentCreator()
	tc := newTimeConv(c, 3, 2, 2, 3)
	const frames = 5

	input := anyvec32.MakeVector(frames * tc.Freq * tc.InDepth)
	anyvec.Rand(input, anyvec.Normal, nil)
	actual := tc.Apply(anydiff.NewConst(input), frames).Output().Data().([]float32)

	weights := tc.Weights.Vector.Data().([]float32)
	biases := tc.Biases.Vector.Data().([]float32)
	in := input.Data().([]float32)
	pad := (tc.Kernel - 1) / 2

	idx := 0
	for ti := 0; ti < frames; ti++ {
		for f := 0; f < tc.Freq; f++ {
			for oc := 0; oc < tc.OutDepth; oc++ {
				expected := biases[oc]
				for d := 0; d < tc.Kernel; d++ {
					src := ti + d - pad
					if src < 0 || src >= frames {
						continue
					}
					for ic := 0; ic < tc.InDepth; ic++ {
						w := weights[(d*tc.OutDepth+oc)*tc.InDepth+ic]
						x := in[(src*tc.Freq+f)*tc.InDepth+ic]
						expected += w * x
					}
				}
				a := actual[idx]
				idx++
				if math.Abs(float64(a-expected)) > 1e-3 {
					t.Fatalf("frame %d freq %d channel %d: expected %f but got %f",
						ti, f, oc, expected, a)
				}
			}
		}
	}
}

func TestTimeConvProp(t *testing.T) {
	c := anyvec32.CurrentCreator()
	tc := newTimeConv(c, 3, 2, 2, 2)
	input := anyvec32.MakeVector(4 * tc.Freq * tc.InDepth)
	anyvec.Rand(input, anyvec.Normal, nil)
	inVar := anydiff.NewVar(input)

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return tc.Apply(inVar, 4)
		},
		V: append([]*anydiff.Var{inVar}, tc.Parameters()...),
	}
	checker.FullCheck(t)
}

func TestDownConvOutput(t *testing.T) {
	c := anyvec32.CurrentCreator()
	dc := newDownConv(c, 2, 2, 3)

	for _, frames := range []int{4, 5} {
		input := anyvec32.MakeVector(frames * dc.Freq * dc.InDepth)
		anyvec.Rand(input, anyvec.Normal, nil)
		outFrames := dc.OutLen(frames)
		if expected := (frames + 1) / 2; outFrames != expected {
			t.Fatalf("OutLen(%d) should be %d but got %d", frames, expected, outFrames)
		}
		actual := dc.Apply(anydiff.NewConst(input), frames).Output().Data().([]float32)
		if len(actual) != outFrames*dc.Freq*dc.OutDepth {
			t.Fatalf("%d frames: expected output size %d but got %d",
				frames, outFrames*dc.Freq*dc.OutDepth, len(actual))
		}

		weights := dc.Weights.Vector.Data().([]float32)
		biases := dc.Biases.Vector.Data().([]float32)
		in := input.Data().([]float32)

		idx := 0
		for j := 0; j < outFrames; j++ {
			for f := 0; f < dc.Freq; f++ {
				for oc := 0; oc < dc.OutDepth; oc++ {
					expected := biases[oc]
					for d := 0; d < 2; d++ {
						src := 2*j + d
						if src >= frames {
							continue
						}
						for ic := 0; ic < dc.InDepth; ic++ {
							w := weights[(d*dc.OutDepth+oc)*dc.InDepth+ic]
							x := in[(src*dc.Freq+f)*dc.InDepth+ic]
							expected += w * x
						}
					}
					a := actual[idx]
					idx++
					if math.Abs(float64(a-expected)) > 1e-3 {
						t.Fatalf("%d frames: output %d: expected %f but got %f",
							frames, idx-1, expected, a)
					}
				}
			}
		}
	}
}

func TestDownConvProp(t *testing.T) {
	c := anyvec32.CurrentCreator()
	dc := newDownConv(c, 2, 2, 3)
	input := anyvec32.MakeVector(5 * dc.Freq * dc.InDepth)
	anyvec.Rand(input, anyvec.Normal, nil)
	inVar := anydiff.NewVar(input)

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return dc.Apply(inVar, 5)
		},
		V: append([]*anydiff.Var{inVar}, dc.Parameters()...),
	}
	checker.FullCheck(t)
}
