package tdsdec

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

const lstmRememberBias = 1

// An lstmGate computes a gate value from the input, the
// previous output, and (through the peephole) a cell
// state. It operates on a single sequence at a time.
type lstmGate struct {
	InCount   int
	StateSize int

	InputWeights *anydiff.Var
	StateWeights *anydiff.Var

	// Peephole is nil for gates without a cell connection.
	Peephole *anydiff.Var

	Biases     *anydiff.Var
	Activation anynet.Activation
}

func newLSTMGate(c anyvec.Creator, in, state int, peephole bool,
	activation anynet.Activation) *lstmGate {
	inWeights := c.MakeVector(state * in)
	stateWeights := c.MakeVector(state * state)
	anyvec.Rand(inWeights, anyvec.Normal, nil)
	anyvec.Rand(stateWeights, anyvec.Normal, nil)
	inWeights.Scale(c.MakeNumeric(1 / math.Sqrt(float64(in))))
	stateWeights.Scale(c.MakeNumeric(1 / math.Sqrt(float64(state))))
	res := &lstmGate{
		InCount:      in,
		StateSize:    state,
		InputWeights: anydiff.NewVar(inWeights),
		StateWeights: anydiff.NewVar(stateWeights),
		Biases:       anydiff.NewVar(c.MakeVector(state)),
		Activation:   activation,
	}
	if peephole {
		res.Peephole = anydiff.NewVar(c.MakeVector(state))
	}
	return res
}

func (g *lstmGate) apply(x, h, cell anydiff.Res) anydiff.Res {
	inMat := &anydiff.Matrix{Data: x, Rows: 1, Cols: g.InCount}
	inWeights := &anydiff.Matrix{Data: g.InputWeights, Rows: g.StateSize, Cols: g.InCount}
	sum := anydiff.MatMul(false, true, inMat, inWeights).Data

	hMat := &anydiff.Matrix{Data: h, Rows: 1, Cols: g.StateSize}
	stateWeights := &anydiff.Matrix{Data: g.StateWeights, Rows: g.StateSize, Cols: g.StateSize}
	sum = anydiff.Add(sum, anydiff.MatMul(false, true, hMat, stateWeights).Data)

	if g.Peephole != nil {
		sum = anydiff.Add(sum, anydiff.Mul(g.Peephole, cell))
	}
	sum = anydiff.Add(sum, g.Biases)
	return g.Activation.Apply(sum, 1)
}

func (g *lstmGate) parameters() []*anydiff.Var {
	res := []*anydiff.Var{g.InputWeights, g.StateWeights}
	if g.Peephole != nil {
		res = append(res, g.Peephole)
	}
	return append(res, g.Biases)
}

// An lstmCell is a peephole LSTM for one sequence.
//
// The input and remember gates peek at the old cell state
// and the output gate peeks at the new one.
type lstmCell struct {
	InCount   int
	StateSize int

	InValue  *lstmGate
	In       *lstmGate
	Remember *lstmGate
	Output   *lstmGate

	InitOut  *anydiff.Var
	InitCell *anydiff.Var
}

// newLSTMCell creates a randomized cell whose remember
// gate is initially biased to remember things.
func newLSTMCell(c anyvec.Creator, in, state int) *lstmCell {
	res := &lstmCell{
		InCount:   in,
		StateSize: state,
		InValue:   newLSTMGate(c, in, state, false, anynet.Tanh),
		In:        newLSTMGate(c, in, state, true, anynet.Sigmoid),
		Remember:  newLSTMGate(c, in, state, true, anynet.Sigmoid),
		Output:    newLSTMGate(c, in, state, true, anynet.Sigmoid),
		InitOut:   anydiff.NewVar(c.MakeVector(state)),
		InitCell:  anydiff.NewVar(c.MakeVector(state)),
	}
	res.Remember.Biases.Vector.AddScalar(c.MakeNumeric(float64(lstmRememberBias)))
	return res
}

func (l *lstmCell) step(x, h, cell anydiff.Res) (newH, newCell anydiff.Res) {
	inValue := l.InValue.apply(x, h, nil)
	inGate := l.In.apply(x, h, cell)
	remember := l.Remember.apply(x, h, cell)
	newCell = anydiff.Add(anydiff.Mul(remember, cell), anydiff.Mul(inGate, inValue))
	outGate := l.Output.apply(x, h, newCell)
	newH = anydiff.Mul(outGate, anydiff.Tanh(newCell))
	return
}

func (l *lstmCell) parameters() []*anydiff.Var {
	res := []*anydiff.Var{l.InitOut, l.InitCell}
	for _, g := range []*lstmGate{l.InValue, l.In, l.Remember, l.Output} {
		res = append(res, g.parameters()...)
	}
	return res
}
