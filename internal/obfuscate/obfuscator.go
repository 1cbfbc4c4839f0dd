package obfuscate

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sammcj/privsearch/internal/retry"
)

// Level selects how aggressively traffic is shaped
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel accepts low, medium or high; anything else is medium
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelLow:
		return LevelLow
	case LevelHigh:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// Distribution is the shape of randomised delays
type Distribution int

const (
	Uniform Distribution = iota
	Exponential
	Normal
)

func (d Distribution) String() string {
	switch d {
	case Exponential:
		return "exponential"
	case Normal:
		return "normal"
	default:
		return "uniform"
	}
}

// DistributionFor maps a privacy level to its delay distribution
func DistributionFor(level Level) Distribution {
	switch level {
	case LevelLow:
		return Uniform
	case LevelHigh:
		return Normal
	default:
		return Exponential
	}
}

const padField = "_pad"

// Obfuscator shapes outgoing requests. It is safe for concurrent use.
type Obfuscator struct {
	level  Level
	dist   Distribution
	logger *logrus.Logger

	mu         sync.Mutex
	rnd        *rand.Rand
	userAgents []string
	usage      map[string]int
	lastUA     string
}

// Option customises an Obfuscator
type Option func(*Obfuscator)

// WithRand makes every random draw come from r, for reproducible tests
func WithRand(r *rand.Rand) Option {
	return func(o *Obfuscator) { o.rnd = r }
}

// WithUserAgents replaces the built-in user agent pool
func WithUserAgents(agents []string) Option {
	return func(o *Obfuscator) {
		seen := make(map[string]bool, len(agents))
		unique := make([]string, 0, len(agents))
		for _, ua := range agents {
			ua = strings.TrimSpace(ua)
			if ua == "" || seen[ua] {
				continue
			}
			seen[ua] = true
			unique = append(unique, ua)
		}
		if len(unique) > 0 {
			o.userAgents = unique
		}
	}
}

// New creates an obfuscator for level
func New(level Level, logger *logrus.Logger, opts ...Option) *Obfuscator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := &Obfuscator{
		level:      level,
		dist:       DistributionFor(level),
		logger:     logger,
		rnd:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		userAgents: append([]string(nil), defaultUserAgents...),
		usage:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Level returns the configured level
func (o *Obfuscator) Level() Level { return o.level }

// Distribution returns the delay distribution in use
func (o *Obfuscator) Distribution() Distribution { return o.dist }

// Draw returns a random duration in [minDelay, maxDelay] from the level's distribution
func (o *Obfuscator) Draw(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	width := float64(maxDelay - minDelay)
	if width <= 0 {
		return minDelay
	}

	o.mu.Lock()
	var offset float64
	switch o.dist {
	case Exponential:
		// mean width/3
		u := o.rnd.Float64()
		offset = -math.Log(1-u) * width / 3
	case Normal:
		// Box-Muller; u1 in (0,1] keeps the log finite
		u1 := 1 - o.rnd.Float64()
		u2 := o.rnd.Float64()
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		offset = width/2 + z*width/6
	default:
		offset = o.rnd.Float64() * width
	}
	o.mu.Unlock()

	offset = min(max(offset, 0), width)
	return minDelay + time.Duration(offset)
}

// Delay suspends the caller for a drawn interval, returning early if ctx is done
func (o *Obfuscator) Delay(ctx context.Context, minDelay, maxDelay time.Duration) error {
	d := o.Draw(minDelay, maxDelay)
	o.logger.WithFields(logrus.Fields{
		"delay":        d.String(),
		"distribution": o.dist.String(),
	}).Debug("Applying timing delay")
	return retry.Sleep(ctx, d)
}

var decoyLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.8",
	"en-US,en;q=0.8,de;q=0.5",
	"en;q=0.9,fr;q=0.6",
	"en-AU,en;q=0.9",
}

// DecoyHeaders returns a plausible set of browser headers that carry no
// identifying information. The set varies between calls.
func (o *Obfuscator) DecoyHeaders() http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := make(http.Header)
	h.Set("Accept-Language", decoyLanguages[o.rnd.IntN(len(decoyLanguages))])
	h.Set("DNT", "1")
	if o.rnd.IntN(2) == 0 {
		h.Set("Sec-GPC", "1")
	}
	if o.rnd.IntN(2) == 0 {
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	}
	if o.level == LevelHigh {
		h.Set("Sec-Fetch-Mode", "cors")
		h.Set("Sec-Fetch-Site", "cross-site")
	}
	return h
}

// Pad adds an inert filler field to JSON object bodies so request sizes stop
// correlating with query length. Any other body is returned unchanged.
func (o *Obfuscator) Pad(contentType string, body []byte) []byte {
	if len(body) == 0 || !strings.Contains(strings.ToLower(contentType), "json") {
		return body
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}

	o.mu.Lock()
	filler := o.randomString(16 + o.rnd.IntN(112))
	o.mu.Unlock()

	padded, err := sjson.SetBytes(body, padField, filler)
	if err != nil {
		o.logger.WithError(err).Debug("Failed to pad request body")
		return body
	}
	return padded
}

const fillerAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomString must be called with o.mu held
func (o *Obfuscator) randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = fillerAlphabet[o.rnd.IntN(len(fillerAlphabet))]
	}
	return string(b)
}

// intN exposes the shared source to the decoy scheduler
func (o *Obfuscator) intN(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rnd.IntN(n)
}

func (o *Obfuscator) String() string {
	return fmt.Sprintf("obfuscator(level=%s, distribution=%s)", o.level, o.dist)
}
