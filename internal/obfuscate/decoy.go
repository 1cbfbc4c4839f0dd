package obfuscate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultDecoyMinInterval = 30 * time.Second
	DefaultDecoyMaxInterval = 5 * time.Minute
	decoyRequestTimeout     = 15 * time.Second
)

var decoyVocabulary = []string{
	"weather", "recipes", "football", "gardening", "history", "museum", "coffee",
	"bicycle", "guitar", "photography", "hiking", "astronomy", "chess", "painting",
	"volcano", "library", "train timetable", "bread", "yoga", "camping", "ocean",
	"birdwatching", "knitting", "poetry", "jazz", "architecture", "tea", "marathon",
	"planets", "dinosaurs", "pottery", "sailing", "origami", "podcasts", "cheese",
}

var (
	decoyConnectors  = []string{"and", "for", "with", "in", "near"}
	decoyQuestions   = []string{"how to start", "what is", "why do people like", "where to learn", "best books about"}
	decoyComparisons = []string{"%s vs %s", "%s or %s", "difference between %s and %s"}
)

// Sink receives a synthesised decoy query. Implementations should issue a
// request that has no effect on real results.
type Sink func(ctx context.Context, query string) error

// DecoyConfig bounds the pause between decoy queries
type DecoyConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// DecoyScheduler issues cover traffic in the background until stopped
type DecoyScheduler struct {
	obf    *Obfuscator
	sink   Sink
	cfg    DecoyConfig
	logger *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	fired   int
	running sync.WaitGroup
}

// NewDecoyScheduler creates a stopped scheduler
func NewDecoyScheduler(obf *Obfuscator, sink Sink, cfg DecoyConfig, logger *logrus.Logger) *DecoyScheduler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultDecoyMinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = max(DefaultDecoyMaxInterval, cfg.MinInterval)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DecoyScheduler{obf: obf, sink: sink, cfg: cfg, logger: logger}
}

// Start begins issuing decoys. Calling Start on a running scheduler is a no-op.
func (d *DecoyScheduler) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.loop(ctx, d.done)
	d.logger.Debug("Decoy scheduler started")
}

// Stop halts the scheduler and waits for outstanding decoys to finish.
// Real requests are unaffected.
func (d *DecoyScheduler) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.running.Wait()
	d.logger.Debug("Decoy scheduler stopped")
}

// Fired returns how many decoys have been issued
func (d *DecoyScheduler) Fired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *DecoyScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := d.obf.Draw(d.cfg.MinInterval, d.cfg.MaxInterval)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		d.fire(ctx)
	}
}

func (d *DecoyScheduler) fire(ctx context.Context) {
	query := d.GenerateQuery()

	d.mu.Lock()
	d.fired++
	d.mu.Unlock()

	d.running.Add(1)
	go func() {
		defer d.running.Done()
		reqCtx, cancel := context.WithTimeout(ctx, decoyRequestTimeout)
		defer cancel()
		if err := d.sink(reqCtx, query); err != nil {
			d.logger.WithError(err).Debug("Decoy request failed")
		}
	}()
}

// GenerateQuery composes a decoy query from the fixed vocabulary using one of
// four strategies: single term, compound, question or comparison
func (d *DecoyScheduler) GenerateQuery() string {
	term := func() string { return decoyVocabulary[d.obf.intN(len(decoyVocabulary))] }
	pair := func() (string, string) {
		a := d.obf.intN(len(decoyVocabulary))
		b := (a + 1 + d.obf.intN(len(decoyVocabulary)-1)) % len(decoyVocabulary)
		return decoyVocabulary[a], decoyVocabulary[b]
	}

	switch d.obf.intN(4) {
	case 0:
		return term()
	case 1:
		a, b := pair()
		return a + " " + decoyConnectors[d.obf.intN(len(decoyConnectors))] + " " + b
	case 2:
		return decoyQuestions[d.obf.intN(len(decoyQuestions))] + " " + term()
	default:
		a, b := pair()
		return fmt.Sprintf(decoyComparisons[d.obf.intN(len(decoyComparisons))], a, b)
	}
}
