// Package coordinator wires the Spool Watcher, Admission Gate, Health
// Prober, and Agent Supervisor into the top-level run loop: the
// filesystem-to-child-process pipeline described in spec.md §2, plus
// process-wide counters and signal-driven shutdown. Grounded on
// internal/daemon/daemon.go's Run (signal handling, background goroutine
// wiring, graceful listener teardown), generalized from a single
// poll-and-spawn loop to the spool's claim/admit/supervise pipeline.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baiirun/swarmd/internal/admission"
	"github.com/baiirun/swarmd/internal/config"
	"github.com/baiirun/swarmd/internal/health"
	"github.com/baiirun/swarmd/internal/shaper"
	"github.com/baiirun/swarmd/internal/spool"
	"github.com/baiirun/swarmd/internal/spoolproto"
	"github.com/baiirun/swarmd/internal/supervisor"
)

// shutdownGrace bounds how long Run waits for in-flight agents to finish
// writing their Result Records after a shutdown signal, per spec.md §5:
// "do not wait for their close events beyond a short grace."
const shutdownGrace = 5 * time.Second

// restoreDelay is how long the watcher waits before renaming a
// rejected request back to requests/, per spec.md §4.1.
const restoreDelay = 2 * time.Second

// Coordinator owns the full pipeline: claim, admit, probe, supervise,
// result. Exactly one Coordinator should run against a given spool
// directory at a time (spec.md's Design Notes assume single-instance
// operation).
type Coordinator struct {
	cfg        config.Config
	dirs       spool.Dirs
	watcher    *spool.Watcher
	gate       *admission.Gate
	supervisor *supervisor.Supervisor
	prober     *health.Prober
	counters   *Counters
	log        *slog.Logger

	wg sync.WaitGroup
}

// Option customizes a Coordinator's construction. The zero value wires a
// real os/exec-backed task spawner; tests substitute a fake instead,
// pairing it with config.Config.SkipHealthCheck to avoid touching the
// real OS at all, the same seam supervisor.New exposes directly.
type Option func(*options)

type options struct {
	taskSpawn supervisor.TaskSpawner
}

// WithTaskSpawner overrides how the Supervisor starts its task child.
func WithTaskSpawner(spawn supervisor.TaskSpawner) Option {
	return func(o *options) { o.taskSpawn = spawn }
}

// New builds a Coordinator from configuration. reg receives the
// coordinator's Prometheus metrics; pass a fresh prometheus.NewRegistry()
// in both production and tests so /metrics never mixes coordinator
// series with whatever else a process might register globally.
func New(cfg config.Config, reg *prometheus.Registry, opts ...Option) *Coordinator {
	var o options
	for _, apply := range opts {
		apply(&o)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dirs := spool.NewDirs(cfg.SwarmDir)
	counters := NewCounters(reg)

	prober := health.NewProber(health.Config{
		AgentBinary:          cfg.AgentBinary,
		Timeout:              cfg.HealthCheckTimeout,
		Skip:                 cfg.SkipHealthCheck,
		Logger:               log,
		OnBreakerStateChange: counters.OnBreakerStateChange,
	})

	classifyCfg := shaper.DefaultClassifierConfig()
	classifyCfg.MaxDeadlineMs = cfg.MaxTimeout.Milliseconds()
	classifyCfg.SimpleInitialMs = cfg.InitialTimeout.Milliseconds()

	contextCfg := shaper.ContextConfig{
		Mode:                     shaper.Mode(cfg.ContextMode),
		MaxInlineContextChars:    cfg.MaxInlineContextChars,
		MaxEssentialRequirements: cfg.MaxEssentialRequirements,
	}

	listener := &eventListener{counters: counters, log: log}

	sup := supervisor.New(supervisor.Settings{
		AgentBinary:            cfg.AgentBinary,
		HeartbeatCheckInterval: cfg.HeartbeatCheckInterval,
		SilenceWarning:         cfg.SilenceWarning,
		HeartbeatTimeout:       cfg.HeartbeatTimeout,
		ActivityWindow:         cfg.ActivityWindow,
		MinOutputBursts:        cfg.MinOutputBursts,
		TimeoutExtension:       cfg.TimeoutExtension,
		EnableStreamLog:        cfg.EnableIncrementalFiles,
	}, dirs, prober, o.taskSpawn, classifyCfg, contextCfg, listener, log)

	return &Coordinator{
		cfg:        cfg,
		dirs:       dirs,
		watcher:    spool.NewWatcher(dirs, restoreDelay, log),
		gate:       admission.NewGate(cfg.MaxConcurrentAgents),
		supervisor: sup,
		prober:     prober,
		counters:   counters,
		log:        log,
	}
}

// Run creates the spool directory layout, starts the watcher, and drives
// the claim -> admit -> supervise pipeline until ctx is cancelled. It
// blocks until every in-flight agent has either finished or the shutdown
// grace period has elapsed.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.dirs.EnsureAll(); err != nil {
		return err
	}
	c.logOrphanedProcessing()

	claimed := c.watcher.Start(ctx, c.cfg.PollInterval)

	for candidate := range claimed {
		if !c.gate.TryReserve() {
			c.log.Debug("coordinator: admission rejected, scheduling restore", "requestId", candidate.Request.RequestID)
			go c.watcher.Restore(candidate)
			continue
		}

		c.counters.activeAgents.Set(float64(c.gate.Active()))
		c.wg.Add(1)
		go c.runOne(ctx, candidate)
	}

	return c.waitWithGrace()
}

// runOne drives one admitted request through the Supervisor, releases its
// admission slot, removes its processing/ claim file, and folds the
// resulting Result Record into the process-wide counters that the
// Listener interface can't express on its own.
func (c *Coordinator) runOne(ctx context.Context, candidate spool.Claimed) {
	defer c.wg.Done()
	defer func() {
		c.gate.Release()
		c.counters.activeAgents.Set(float64(c.gate.Active()))
	}()

	record := c.supervisor.Run(ctx, candidate.Request)
	c.watcher.Discard(candidate)
	c.tallyResult(record)
}

func (c *Coordinator) tallyResult(record spoolproto.ResultRecord) {
	if record.FailureReason != spoolproto.ReasonHealthCheckFailed {
		c.counters.healthCheckPass.Inc()
		if record.Stats.UsedLazyLoading {
			c.counters.lazyContext.Inc()
		} else {
			c.counters.fullContext.Inc()
		}
	}
	if record.FailureReason == spoolproto.ReasonProgressiveTimeout && record.Stats.ExtensionsApplied == 0 {
		c.counters.earlyTimeouts.Inc()
	}
}

// logOrphanedProcessing implements the resolved Open Question on restart
// orphans: left alone, but counted and logged once at startup so an
// operator can inspect processing/ manually.
func (c *Coordinator) logOrphanedProcessing() {
	entries, err := readDirNames(c.dirs.Processing)
	if err != nil {
		c.log.Warn("coordinator: could not inspect processing directory at startup", "error", err)
		return
	}
	if len(entries) > 0 {
		c.log.Warn("coordinator: orphaned claim files found in processing/, left for manual inspection", "count", len(entries))
	}
}

// waitWithGrace waits for in-flight supervisors to finish, up to
// shutdownGrace, then returns regardless. Pending Result Records beyond
// that point are best-effort, per spec.md §5.
func (c *Coordinator) waitWithGrace() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.log.Warn("coordinator: shutdown grace period elapsed with agents still finalizing")
	}
	return nil
}
