// Package tdstrain implements a data-parallel training
// loop for the encoder-decoder speech model, with dynamic
// loss scaling, gradient clipping, momentum, and
// checkpointing.
package tdstrain

import (
	"math/rand"
	"sort"

	"github.com/unixpickle/anyvec"
)

// A Sample is one training utterance.
type Sample struct {
	// Input packs Frames rows of acoustic features.
	Input  anyvec.Vector
	Frames int

	// Labels is the target transcription, excluding EOS.
	Labels []int
}

// A SampleList is a list of training samples.
type SampleList interface {
	// Len returns the number of samples.
	Len() int

	// Swap swaps two samples.
	Swap(i, j int)

	// Slice generates a shallow copy of a subset of the
	// list.
	Slice(i, j int) SampleList

	// GetSample returns a sample.
	GetSample(i int) Sample

	// LenAt returns the frame count of a sample without
	// materializing it.
	LenAt(i int) int
}

// A SliceSampleList is an in-memory SampleList.
type SliceSampleList []Sample

func (s SliceSampleList) Len() int {
	return len(s)
}

func (s SliceSampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s SliceSampleList) Slice(i, j int) SampleList {
	return append(SliceSampleList{}, s[i:j]...)
}

func (s SliceSampleList) GetSample(i int) Sample {
	return s[i]
}

func (s SliceSampleList) LenAt(i int) int {
	return s[i].Frames
}

// Shuffle shuffles a list of samples using a seeded
// generator, so every worker that uses the same seed
// sees the same order.
func Shuffle(s SampleList, gen *rand.Rand) {
	for i := 0; i < s.Len(); i++ {
		j := i + gen.Intn(s.Len()-i)
		s.Swap(i, j)
	}
}

// SortByLength orders samples from shortest to longest.
// The order is deterministic: frame-count ties keep their
// relative order.
func SortByLength(s SampleList) {
	sort.Stable(byLength{s})
}

type byLength struct {
	s SampleList
}

func (b byLength) Len() int {
	return b.s.Len()
}

func (b byLength) Swap(i, j int) {
	b.s.Swap(i, j)
}

func (b byLength) Less(i, j int) bool {
	return b.s.LenAt(i) < b.s.LenAt(j)
}
