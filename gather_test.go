package sonosco

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func TestGatherOutput(t *testing.T) {
	c := anyvec32.CurrentCreator()
	mapper := c.MakeMapper(5, []int{4, 0, 0, 2})
	in := anydiff.NewConst(anyvec32.MakeVectorData([]float32{1, 2, 3, 4, 5}))
	actual := Gather(in, mapper).Output().Data().([]float32)
	expected := []float32{5, 1, 1, 3}
	for i, x := range expected {
		if math.Abs(float64(actual[i]-x)) > 1e-4 {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
}

func TestGatherProp(t *testing.T) {
	c := anyvec32.CurrentCreator()
	mapper := c.MakeMapper(6, []int{1, 3, 3, 5, 0})
	input := anyvec32.MakeVector(6)
	anyvec.Rand(input, anyvec.Normal, nil)
	inVar := anydiff.NewVar(input)

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return Gather(inVar, mapper)
		},
		V: []*anydiff.Var{inVar},
	}
	checker.FullCheck(t)
}
