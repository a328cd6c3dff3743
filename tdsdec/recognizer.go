package tdsdec

import (
	"fmt"
	"sort"

	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anyvec"
)

// A Hypothesis is one candidate transcription.
type Hypothesis struct {
	// Tokens is the transcription, excluding EOS.
	Tokens []int

	// Score is the sum of the token log-probabilities,
	// including the final EOS emission.
	Score float64
}

// A Recognizer transcribes encoded utterances with beam
// search.
type Recognizer struct {
	Dec *Decoder

	// BeamSize is the number of candidate extensions
	// retained at every step. Candidates that terminate
	// move to a completed set and stop occupying beam
	// slots.
	BeamSize int

	// NBest is the number of hypotheses returned.
	NBest int

	// MaxLen caps the transcription length. A hypothesis
	// reaching the cap is terminated without an EOS
	// emission score.
	MaxLen int

	// LengthNormalize ranks the final hypotheses by score
	// divided by token count instead of raw score.
	LengthNormalize bool
}

// NewRecognizer creates a Recognizer.
// It fails if the search parameters are inconsistent.
func NewRecognizer(dec *Decoder, beamSize, nBest, maxLen int) (*Recognizer, error) {
	if beamSize < 1 || nBest < 1 || maxLen < 1 {
		return nil, fmt.Errorf("new recognizer: search parameters must be positive")
	}
	if nBest > beamSize {
		return nil, fmt.Errorf("new recognizer: n-best %d exceeds beam size %d",
			nBest, beamSize)
	}
	return &Recognizer{
		Dec:      dec,
		BeamSize: beamSize,
		NBest:    nBest,
		MaxLen:   maxLen,
	}, nil
}

type beamHyp struct {
	tokens []int
	score  float64
	state  *State
	done   bool
}

// Recognize transcribes one encoded utterance, returning
// the NBest best hypotheses in ranking order.
//
// An empty encoding yields a single empty hypothesis.
func (r *Recognizer) Recognize(enc tdsenc.EncodedSeq) []Hypothesis {
	if enc.Len == 0 {
		return []Hypothesis{{Tokens: []int{}}}
	}

	live := []*beamHyp{{state: r.Dec.Start()}}
	var completed []*beamHyp
	for len(live) > 0 {
		var candidates []*beamHyp
		for _, hyp := range live {
			prev := r.Dec.EOS
			if len(hyp.tokens) > 0 {
				prev = hyp.tokens[len(hyp.tokens)-1]
			}
			logProbs, next := r.Dec.Step(enc, hyp.state, prev)
			probs := floats(logProbs.Output())
			for tok, lp := range probs {
				if tok == r.Dec.EOS {
					candidates = append(candidates, &beamHyp{
						tokens: hyp.tokens,
						score:  hyp.score + lp,
						done:   true,
					})
					continue
				}
				newTokens := append(append([]int{}, hyp.tokens...), tok)
				candidates = append(candidates, &beamHyp{
					tokens: newTokens,
					score:  hyp.score + lp,
					state:  next,
					done:   len(newTokens) >= r.MaxLen,
				})
			}
		}
		sortHyps(candidates, false)
		if len(candidates) > r.BeamSize {
			candidates = candidates[:r.BeamSize]
		}
		live = live[:0]
		for _, c := range candidates {
			if c.done {
				completed = append(completed, c)
			} else {
				live = append(live, c)
			}
		}
	}

	sortHyps(completed, r.LengthNormalize)
	n := r.NBest
	if n > len(completed) {
		n = len(completed)
	}
	res := make([]Hypothesis, n)
	for i, hyp := range completed[:n] {
		res[i] = Hypothesis{Tokens: hyp.tokens, Score: hyp.score}
	}
	return res
}

// sortHyps orders hypotheses best-first: higher ranking
// score, then fewer tokens, then lexicographically
// smaller tokens.
func sortHyps(hyps []*beamHyp, lengthNormalize bool) {
	ranking := func(h *beamHyp) float64 {
		if !lengthNormalize || len(h.tokens) == 0 {
			return h.score
		}
		return h.score / float64(len(h.tokens))
	}
	sort.SliceStable(hyps, func(i, j int) bool {
		si, sj := ranking(hyps[i]), ranking(hyps[j])
		if si != sj {
			return si > sj
		}
		ti, tj := hyps[i].tokens, hyps[j].tokens
		if len(ti) != len(tj) {
			return len(ti) < len(tj)
		}
		for k, t := range ti {
			if t != tj[k] {
				return t < tj[k]
			}
		}
		return false
	})
}

func floats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}
