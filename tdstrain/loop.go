package tdstrain

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/battyone/sonosco/tdsdec"
	"github.com/battyone/sonosco/tdsenc"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// LatestCheckpointID is the identifier the Loop saves the
// most recent checkpoint under, alongside the per-epoch
// identifiers.
const LatestCheckpointID = "latest"

const defaultSkipLimit = 50

// A StartMode selects how a Loop initializes itself.
type StartMode int

const (
	// Fresh trains the model as given.
	Fresh StartMode = iota

	// Continue resumes the latest checkpoint: parameters,
	// optimizer state, loss scale, and schedule position.
	Continue

	// Finetune loads only the parameters of the latest
	// checkpoint and restarts the schedule.
	Finetune
)

// A Status describes one completed (or skipped) step.
type Status struct {
	Epoch int
	Step  int

	// Cost is the average per-token cost of the batch, or
	// of the test set when Validation is set.
	Cost float64

	Scale      float64
	Skipped    bool
	Validation bool
}

// Config configures a Loop.
type Config struct {
	Encoder *tdsenc.Encoder
	Decoder *tdsdec.Decoder

	Samples SampleList

	// TestSamples, if non-nil, is evaluated every TestStep
	// steps.
	TestSamples SampleList

	BatchSize int
	MaxEpochs int

	LearningRate float64

	// LearningAnneal divides the learning rate after every
	// epoch. Values of 0 or 1 disable annealing.
	LearningAnneal float64

	Momentum    float64
	WeightDecay float64

	// MaxGradNorm clips the global gradient norm.
	// 0 disables clipping.
	MaxGradNorm float64

	// InitScale is the initial loss scale.
	// If it is 0, a default of 65536 is used.
	InitScale float64

	// GrowthInterval and ScaleCeiling configure the loss
	// scale state machine.
	GrowthInterval int
	ScaleCeiling   float64

	// SkipLimit is the number of consecutive overflowed
	// steps treated as divergence. If it is 0, a default
	// of 50 is used.
	SkipLimit int

	// SortaGrad processes the first epoch from the
	// shortest utterance to the longest.
	SortaGrad bool

	// Seed drives the shuffling order. Every worker of a
	// run must use the same seed.
	Seed int64

	// TestStep is how many steps pass between validation
	// runs. 0 disables validation.
	TestStep int

	// CheckpointPerEpoch is how many epochs pass between
	// checkpoints. 0 disables checkpointing.
	CheckpointPerEpoch int

	Store     Store
	StartMode StartMode

	// Reducer connects the workers of a data-parallel
	// run. It is nil for a single worker.
	Reducer Reducer

	// Prefetch is the number of batches fetched ahead of
	// the optimizer. If it is 0, 1 is used.
	Prefetch int

	// StatusFunc, if non-nil, is called after every step.
	StatusFunc func(s Status)
}

// A Loop drives training from start mode to completion.
type Loop struct {
	conf    Config
	trainer *Trainer
	mom     *Momentum
	scale   *LossScale

	rate  float64
	epoch int
	step  int
}

// NewLoop creates a Loop, loading a checkpoint when the
// start mode calls for one.
func NewLoop(conf Config) (*Loop, error) {
	if conf.Encoder == nil || conf.Decoder == nil {
		return nil, errors.New("new loop: missing model")
	}
	if conf.Samples == nil || conf.Samples.Len() == 0 {
		return nil, errors.New("new loop: no training samples")
	}
	if conf.BatchSize < 1 {
		return nil, errors.New("new loop: batch size must be positive")
	}
	if conf.MaxEpochs < 1 {
		return nil, errors.New("new loop: max epochs must be positive")
	}
	if conf.LearningRate <= 0 {
		return nil, errors.New("new loop: learning rate must be positive")
	}
	if conf.StartMode != Fresh && conf.Store == nil {
		return nil, errors.New("new loop: start mode requires a checkpoint store")
	}

	params := anynet.AllParameters(conf.Encoder, conf.Decoder)
	initScale := conf.InitScale
	if initScale == 0 {
		initScale = 65536
	}
	loop := &Loop{
		conf: conf,
		trainer: &Trainer{
			Encoder: conf.Encoder,
			Decoder: conf.Decoder,
			Params:  params,
			Average: true,
		},
		mom: &Momentum{
			Momentum:    conf.Momentum,
			WeightDecay: conf.WeightDecay,
			Params:      params,
		},
		scale: &LossScale{
			Scale:          initScale,
			GrowthInterval: conf.GrowthInterval,
			Ceiling:        conf.ScaleCeiling,
		},
		rate: conf.LearningRate,
	}

	switch conf.StartMode {
	case Fresh:
	case Continue:
		ckpt, err := conf.Store.Load(LatestCheckpointID)
		if err != nil {
			return nil, essentials.AddCtx("new loop", err)
		}
		if err := ckpt.Restore(params, loop.mom); err != nil {
			return nil, essentials.AddCtx("new loop", err)
		}
		loop.scale.Scale = ckpt.Scale
		loop.epoch = ckpt.Epoch
		loop.step = ckpt.Step
		if conf.LearningAnneal > 0 && conf.LearningAnneal != 1 {
			for i := 0; i < ckpt.Epoch; i++ {
				loop.rate /= conf.LearningAnneal
			}
		}
	case Finetune:
		ckpt, err := conf.Store.Load(LatestCheckpointID)
		if err != nil {
			return nil, essentials.AddCtx("new loop", err)
		}
		if err := ckpt.Restore(params, nil); err != nil {
			return nil, essentials.AddCtx("new loop", err)
		}
	default:
		return nil, fmt.Errorf("new loop: unknown start mode: %d", conf.StartMode)
	}
	return loop, nil
}

// Epoch returns the index of the next epoch to run.
func (l *Loop) Epoch() int {
	return l.epoch
}

// Step returns the number of completed steps.
func (l *Loop) Step() int {
	return l.step
}

type fetchResult struct {
	batch *Batch
	err   error
}

// Run trains until every epoch has completed, an error
// occurs, or the stop channel is closed. Stopping takes
// effect between steps.
func (l *Loop) Run(stop <-chan struct{}) error {
	rank, world := 0, 1
	if l.conf.Reducer != nil {
		rank = l.conf.Reducer.Rank()
		world = l.conf.Reducer.WorldSize()
	}

	l.conf.Encoder.Dropout.Enabled = true
	defer func() {
		l.conf.Encoder.Dropout.Enabled = false
	}()

	skips := 0
	skipLimit := l.conf.SkipLimit
	if skipLimit == 0 {
		skipLimit = defaultSkipLimit
	}

	for ; l.epoch < l.conf.MaxEpochs; l.epoch++ {
		if l.conf.SortaGrad && l.epoch == 0 {
			SortByLength(l.conf.Samples)
		} else {
			gen := rand.New(rand.NewSource(l.conf.Seed + int64(l.epoch)))
			Shuffle(l.conf.Samples, gen)
		}

		batches := l.shardBatches(rank, world)
		ch := make(chan fetchResult, l.prefetch())
		done := make(chan struct{})
		go l.produce(batches, ch, done)

		stopped, err := l.consume(stop, ch, &skips, skipLimit)
		close(done)
		if err != nil || stopped {
			return err
		}

		if l.conf.LearningAnneal > 0 && l.conf.LearningAnneal != 1 {
			l.rate /= l.conf.LearningAnneal
		}
		if l.checkpointDue() && rank == 0 {
			if err := l.saveCheckpoint(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) consume(stop <-chan struct{}, ch <-chan fetchResult,
	skips *int, skipLimit int) (stopped bool, err error) {
	for {
		select {
		case <-stop:
			return true, nil
		default:
		}
		var res fetchResult
		var ok bool
		select {
		case <-stop:
			return true, nil
		case res, ok = <-ch:
		}
		if !ok {
			return false, nil
		}
		if res.err != nil {
			return false, res.err
		}
		if err := l.runStep(res.batch, skips, skipLimit); err != nil {
			return false, err
		}
	}
}

func (l *Loop) runStep(batch *Batch, skips *int, skipLimit int) error {
	grad := l.trainer.Gradient(batch, l.scale.Current())

	overflow := HasOverflow(grad)
	if l.conf.Reducer != nil {
		var err error
		overflow, err = l.conf.Reducer.ReduceOverflow(overflow)
		if err != nil {
			return essentials.AddCtx("training step", err)
		}
	}
	if overflow {
		l.scale.Update(true)
		*skips++
		if *skips >= skipLimit {
			return fmt.Errorf("training diverged: %d consecutive overflowed steps", *skips)
		}
		l.report(Status{
			Epoch:   l.epoch,
			Step:    l.step,
			Scale:   l.scale.Current(),
			Skipped: true,
		})
		return nil
	}
	*skips = 0

	scaleGrad(grad, 1/l.scale.Current())
	if l.conf.Reducer != nil {
		if err := l.conf.Reducer.ReduceGrad(l.gradVecs(grad)); err != nil {
			return essentials.AddCtx("training step", err)
		}
	}
	if l.conf.MaxGradNorm > 0 {
		clip := &ClipNorm{MaxNorm: l.conf.MaxGradNorm}
		grad = clip.Transform(grad)
	}
	grad = l.mom.Transform(grad)
	scaleGrad(grad, -l.rate)
	grad.AddToVars()

	l.scale.Update(false)
	l.step++
	l.report(Status{
		Epoch: l.epoch,
		Step:  l.step,
		Cost:  numericToFloat(l.trainer.LastCost),
		Scale: l.scale.Current(),
	})

	if l.conf.TestStep > 0 && l.conf.TestSamples != nil &&
		l.step%l.conf.TestStep == 0 {
		cost, err := l.validate()
		if err != nil {
			return err
		}
		l.report(Status{
			Epoch:      l.epoch,
			Step:       l.step,
			Cost:       cost,
			Scale:      l.scale.Current(),
			Validation: true,
		})
	}
	return nil
}

// validate computes the average per-batch cost of the
// test set with dropout disabled.
func (l *Loop) validate() (float64, error) {
	l.conf.Encoder.Dropout.Enabled = false
	defer func() {
		l.conf.Encoder.Dropout.Enabled = true
	}()

	samples := l.conf.TestSamples
	var total float64
	var count int
	for i := 0; i < samples.Len(); i += l.conf.BatchSize {
		j := i + l.conf.BatchSize
		if j > samples.Len() {
			j = samples.Len()
		}
		batch, err := l.trainer.Fetch(samples.Slice(i, j))
		if err != nil {
			return 0, essentials.AddCtx("validation", err)
		}
		cost := l.trainer.TotalCost(batch)
		total += numericToFloat(anyvec.Sum(cost.Output()))
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

func (l *Loop) produce(batches [][2]int, ch chan<- fetchResult, done <-chan struct{}) {
	defer close(ch)
	for _, r := range batches {
		batch, err := l.trainer.Fetch(l.conf.Samples.Slice(r[0], r[1]))
		select {
		case ch <- fetchResult{batch: batch, err: err}:
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// shardBatches assigns every world'th batch of the epoch
// to this rank. Trailing batches that would leave the
// workers with unequal batch counts are dropped, so every
// worker makes the same sequence of collective calls.
func (l *Loop) shardBatches(rank, world int) [][2]int {
	var all [][2]int
	for i := 0; i < l.conf.Samples.Len(); i += l.conf.BatchSize {
		j := i + l.conf.BatchSize
		if j > l.conf.Samples.Len() {
			j = l.conf.Samples.Len()
		}
		all = append(all, [2]int{i, j})
	}
	usable := len(all) - len(all)%world
	var res [][2]int
	for idx := 0; idx < usable; idx++ {
		if idx%world == rank {
			res = append(res, all[idx])
		}
	}
	return res
}

func (l *Loop) checkpointDue() bool {
	return l.conf.Store != nil && l.conf.CheckpointPerEpoch > 0 &&
		(l.epoch+1)%l.conf.CheckpointPerEpoch == 0
}

func (l *Loop) saveCheckpoint() error {
	ckpt, err := CaptureCheckpoint(l.trainer.Params, l.mom, l.scale.Current(),
		l.epoch+1, l.step)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("epoch-%d", l.epoch+1)
	if err := l.conf.Store.Save(id, ckpt); err != nil {
		return err
	}
	return l.conf.Store.Save(LatestCheckpointID, ckpt)
}

func (l *Loop) gradVecs(grad anydiff.Grad) []anyvec.Vector {
	res := make([]anyvec.Vector, len(l.trainer.Params))
	for i, p := range l.trainer.Params {
		res[i] = grad[p]
	}
	return res
}

func (l *Loop) report(s Status) {
	if l.conf.StatusFunc != nil {
		l.conf.StatusFunc(s)
	}
}

func (l *Loop) prefetch() int {
	if l.conf.Prefetch < 1 {
		return 1
	}
	return l.conf.Prefetch
}

func scaleGrad(g anydiff.Grad, s float64) {
	for _, v := range g {
		g.Scale(v.Creator().MakeNumeric(s))
		return
	}
}
