package sonosco

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

type gatherRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	Out    anyvec.Vector
}

// Gather selects entries of a vector through a mapper,
// producing a result of the mapper's output size.
//
// The input must have the mapper's input size.
func Gather(in anydiff.Res, m anyvec.Mapper) anydiff.Res {
	if in.Output().Len() != m.InSize() {
		panic("mapper input size mismatch")
	}
	out := in.Output().Creator().MakeVector(m.OutSize())
	m.Map(in.Output(), out)
	return &gatherRes{
		In:     in,
		Mapper: m,
		Out:    out,
	}
}

func (g *gatherRes) Output() anyvec.Vector {
	return g.Out
}

func (g *gatherRes) Vars() anydiff.VarSet {
	return g.In.Vars()
}

func (g *gatherRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	downstream := g.Out.Creator().MakeVector(g.Mapper.InSize())
	g.Mapper.MapTranspose(u, downstream)
	g.In.Propagate(downstream, grad)
}
