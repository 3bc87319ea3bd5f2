package zedio

import (
	"runtime"

	"github.com/behrlich/zedio-go/internal/constants"
	"github.com/behrlich/zedio-go/internal/logging"
)

// Config is the runtime's immutable configuration (spec.md §3/§6), built
// via functional options — generalized from the teacher's
// uring.Config/queue.Config option pattern.
type Config struct {
	RingEntries         uint32
	RingFlags           uint32
	SubmitInterval      uint32
	NumWorkers          int
	CheckIOInterval     uint64
	CheckGlobalInterval uint64
	GlobalDrainBatch    int
	CPUAffinity         []int // one entry per worker, cycled if shorter; nil disables pinning
	Logger              *logging.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		RingEntries:         constants.DefaultRingEntries,
		SubmitInterval:      constants.DefaultSubmitInterval,
		NumWorkers:          runtime.GOMAXPROCS(0),
		CheckIOInterval:     constants.DefaultCheckIOInterval,
		CheckGlobalInterval: constants.DefaultCheckGlobalInterval,
		GlobalDrainBatch:    constants.GlobalDrainBatch,
	}
}

// WithRingEntries overrides the per-worker ring's submission/completion
// queue capacity.
func WithRingEntries(n uint32) Option {
	return func(c *Config) { c.RingEntries = n }
}

// WithRingFlags passes io_uring_setup flags through to each worker's ring.
func WithRingFlags(flags uint32) Option {
	return func(c *Config) { c.RingFlags = flags }
}

// WithSubmitInterval sets how many lazily-queued submissions accumulate
// before a worker force-flushes to the kernel.
func WithSubmitInterval(n uint32) Option {
	return func(c *Config) { c.SubmitInterval = n }
}

// WithNumWorkers overrides the worker count, which otherwise defaults to
// runtime.GOMAXPROCS(0).
func WithNumWorkers(n int) Option {
	return func(c *Config) { c.NumWorkers = n }
}

// WithCheckIOInterval sets the tick interval between a worker's I/O poll
// passes while it has local work to run.
func WithCheckIOInterval(n uint64) Option {
	return func(c *Config) { c.CheckIOInterval = n }
}

// WithCheckGlobalInterval sets the tick interval between a worker's global
// queue drains.
func WithCheckGlobalInterval(n uint64) Option {
	return func(c *Config) { c.CheckGlobalInterval = n }
}

// WithGlobalDrainBatch sets how many ready handles a worker pulls from the
// global queue per drain.
func WithGlobalDrainBatch(n int) Option {
	return func(c *Config) { c.GlobalDrainBatch = n }
}

// WithCPUAffinity pins worker i to cpus[i % len(cpus)]. A supplement beyond
// the distilled spec, grounded on the teacher's queue/runner.go ioLoop
// SchedSetaffinity block — there used to satisfy a kernel thread-identity
// requirement, here an optional performance knob.
func WithCPUAffinity(cpus []int) Option {
	return func(c *Config) { c.CPUAffinity = cpus }
}

// WithLogger overrides the runtime's logger. Defaults to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
