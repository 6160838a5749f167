// Package follower implements the Follower Loop (C5): the state machine
// that drives a chunk fetch, marker decode, filter, and apply cycle against
// a master's replication log, tracking ApplierState and classifying errors
// per the retry/fatal taxonomy.
package follower

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/dbfollower/applier"
	"github.com/estuary/dbfollower/filter"
	"github.com/estuary/dbfollower/storage"
	"github.com/estuary/dbfollower/txtracker"
	"github.com/estuary/dbfollower/wire"
)

// Loop owns the Follower Loop (C5). One Loop tracks exactly one replica of
// exactly one master, per spec.md §1.
type Loop struct {
	cfg       Config
	transport Transport
	engine    storage.Engine
	cps       CheckpointStore
	tracker   *txtracker.Tracker
	filter    *filter.Filter
	applier   *applier.Applier
	backoff   *Backoff
	metrics   *metrics
	log       *log.Entry

	state    stateBox
	stopCh   chan struct{}
	stopOnce bool

	commitsSinceCheckpoint int
	lastCheckpointAt       time.Time
}

// New builds a Loop. cfg is validated and defaulted; transport, engine, and
// cps are the out-of-scope collaborators of spec.md §1.
func New(cfg Config, transport Transport, engine storage.Engine, cps CheckpointStore, m *metrics, logger *log.Entry) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, classified(ConfigInvalid, err)
	}
	cfg = cfg.withDefaults()

	f, err := filter.New(cfg.restrictPolicy(), 4096)
	if err != nil {
		return nil, classified(ConfigInvalid, fmt.Errorf("building collection filter: %w", err))
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	var tracker = txtracker.New(engine)
	var a = applier.New(engine, tracker, applier.Options{
		KeyField:     cfg.KeyField,
		StrictRemove: cfg.StrictRemove,
		Verbose:      cfg.Verbose,
	}, logger)

	return &Loop{
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		cps:       cps,
		tracker:   tracker,
		filter:    f,
		applier:   a,
		backoff:   NewBackoff(cfg.BackoffCeiling),
		metrics:   m,
		log:       logger,
		stopCh:    make(chan struct{}),
	}, nil
}

// Snapshot returns a consistent copy of the loop's current ApplierState, for
// the status surface (spec.md §9 supplemented feature #3).
func (l *Loop) Snapshot() State {
	return l.state.snapshot()
}

// Stop requests a graceful transition to Stopping; Run returns once the
// current iteration drains.
func (l *Loop) Stop() {
	if !l.stopOnce {
		l.stopOnce = true
		close(l.stopCh)
	}
}

// Run executes the Follower Loop until ctx is cancelled, Stop is called, or
// a fatal error is classified. It always returns with state persisted and
// Phase set to Stopped or Failed.
func (l *Loop) Run(ctx context.Context) error {
	l.state.update(func(s *State) {
		s.Phase = Initializing
		s.RunningFlag = true
	})

	var fromTick, err = l.resumeTick(ctx)
	if err != nil {
		return l.fail(ctx, err)
	}

	l.state.update(func(s *State) { s.Phase = Running })
	l.log.WithField("fromTick", fromTick).Info("follower loop starting")

	var transientFailures int
	for {
		select {
		case <-ctx.Done():
			return l.gracefulStop(ctx, classified(Cancelled, ctx.Err()))
		case <-l.stopCh:
			return l.gracefulStop(ctx, nil)
		default:
		}

		var nextFrom, checkMore, iterErr = l.iterate(ctx, fromTick)
		if iterErr != nil {
			var fe = AsFollowerError(iterErr)
			if !fe.Retryable() {
				return l.fail(ctx, fe)
			}
			transientFailures++
			if l.cfg.MaxConnectRetries > 0 && transientFailures > l.cfg.MaxConnectRetries {
				return l.fail(ctx, classified(fe.Kind,
					fmt.Errorf("giving up after %d retries: %w", l.cfg.MaxConnectRetries, fe.Err)))
			}
			l.metrics.observeRetry(fe.Kind)
			var wait = l.backoff.Next()
			l.log.WithError(fe).WithField("waitMs", wait.Milliseconds()).
				Warn("retrying after transient error")
			select {
			case <-ctx.Done():
				return l.gracefulStop(ctx, classified(Cancelled, ctx.Err()))
			case <-l.stopCh:
				return l.gracefulStop(ctx, nil)
			case <-time.After(wait):
			}
			continue
		}

		l.backoff.Reset()
		transientFailures = 0
		fromTick = nextFrom

		if !checkMore {
			if err := l.maybeCheckpoint(ctx, true); err != nil {
				return l.fail(ctx, classified(StorageFatal, err))
			}
			select {
			case <-ctx.Done():
				return l.gracefulStop(ctx, classified(Cancelled, ctx.Err()))
			case <-l.stopCh:
				return l.gracefulStop(ctx, nil)
			case <-time.After(l.cfg.IdlePoll):
			}
		}
	}
}

// resumeTick loads the durable checkpoint, if any, and computes the tick at
// which the first fetch must start (spec.md §4.5 step 1 and §6 resume
// semantics).
func (l *Loop) resumeTick(ctx context.Context) (wire.Tick, error) {
	if l.cfg.UseTick {
		l.state.update(func(s *State) { s.SafeResumeTick = l.cfg.InitialTick })
		return l.cfg.InitialTick, nil
	}

	saved, err := l.cps.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return l.cfg.InitialTick, nil
		}
		return 0, classified(StorageFatal, fmt.Errorf("loading checkpoint: %w", err))
	}
	l.state.update(func(s *State) {
		s.LastAppliedTick = saved.LastAppliedTick
		s.LastProcessedTick = saved.LastAppliedTick
		s.SafeResumeTick = saved.SafeResumeTick
		s.ServerId = saved.ServerId
	})
	if saved.SafeResumeTick > 0 {
		return saved.SafeResumeTick, nil
	}
	return saved.LastAppliedTick + 1, nil
}

// iterate runs one fetch/decode/filter/apply cycle starting at fromTick. It
// returns the tick at which the next iteration should start, whether the
// master reports more log immediately available, and any error.
func (l *Loop) iterate(ctx context.Context, fromTick wire.Tick) (nextFrom wire.Tick, checkMore bool, err error) {
	var fetchCtx = ctx
	var cancel context.CancelFunc
	if l.cfg.RequestTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, l.cfg.RequestTimeout)
		defer cancel()
	}

	var start = time.Now()
	body, headers, ferr := l.transport.FetchChunk(fetchCtx, fromTick, l.cfg.ChunkSize)
	if l.metrics != nil {
		l.metrics.fetchSeconds.Observe(time.Since(start).Seconds())
	}
	if ferr != nil {
		return fromTick, false, classified(TransientTransport, ferr)
	}
	defer body.Close()

	if !headers.FromPresent {
		if l.cfg.RequireFromPresent {
			return fromTick, false, classified(LogGap,
				fmt.Errorf("master no longer retains log from tick %d", fromTick))
		}
		l.log.WithField("fromTick", fromTick).Warn("master no longer retains log from requested tick")
	}

	var dec = wire.NewDecoder(body)
	for {
		var ev, derr = dec.Next()
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return fromTick, false, classified(ProtocolViolation, derr)
		}

		if err := l.handleEvent(ctx, ev); err != nil {
			return fromTick, false, err
		}
	}

	nextFrom = fromTick
	if headers.LastIncludedTick != 0 {
		nextFrom = headers.LastIncludedTick + 1
	}
	return nextFrom, headers.CheckMore, nil
}

// handleEvent applies a single decoded marker, advancing and checkpointing
// ApplierState as needed (spec.md §4.5 step 4).
func (l *Loop) handleEvent(ctx context.Context, ev wire.Event) error {
	var current = l.state.snapshot()
	if ev.Tick <= current.LastProcessedTick {
		return nil // already seen within this session; chunks may overlap
	}
	if ev.Kind.DDL() && ev.HasTxId {
		return classified(ProtocolViolation,
			fmt.Errorf("DDL marker at tick %d carries a transaction id", ev.Tick))
	}

	if l.filter.ShouldSkip(ev, l.engine) {
		l.metrics.observeSkipped()
		l.advance(ctx, ev.Tick, false)
		return nil
	}

	var result, err = l.applyWithRetry(ctx, ev)
	if err != nil {
		return err
	}
	l.metrics.observeApplied()
	l.advance(ctx, ev.Tick, result.Committed)
	if result.Committed {
		l.commitsSinceCheckpoint++
		if err := l.maybeCheckpoint(ctx, false); err != nil {
			return classified(StorageFatal, err)
		}
	}
	return nil
}

// applyWithRetry retries StorageTransient failures up to cfg.StorageRetryLimit
// times before escalating to StorageFatal (spec.md §7).
func (l *Loop) applyWithRetry(ctx context.Context, ev wire.Event) (applier.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.StorageRetryLimit; attempt++ {
		result, err := l.applier.Apply(ctx, ev)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, storage.ErrTransient) {
			return applier.Result{}, classified(StorageFatal, err)
		}
		lastErr = err
		l.metrics.observeRetry(StorageTransient)
		select {
		case <-ctx.Done():
			return applier.Result{}, classified(Cancelled, ctx.Err())
		case <-time.After(l.backoff.Next()):
		}
	}
	return applier.Result{}, classified(StorageFatal,
		fmt.Errorf("exceeded %d retries applying tick %d: %w", l.cfg.StorageRetryLimit, ev.Tick, lastErr))
}

// advance updates lastProcessedTick (and lastAppliedTick, if committed) and
// recomputes safeResumeTick from the tracker's oldest open transaction
// (spec.md §3 ApplierState, §4.3 invariant).
func (l *Loop) advance(ctx context.Context, tick wire.Tick, committed bool) {
	var openTx = len(l.tracker.OpenIds())
	var s = l.state.update(func(s *State) {
		s.LastProcessedTick = tick
		if committed {
			s.LastAppliedTick = tick
		}
		if oldest, ok := l.tracker.OldestOpenTick(); ok {
			s.SafeResumeTick = oldest
		} else {
			s.SafeResumeTick = s.LastAppliedTick + 1
		}
	})
	l.metrics.observeState(s, openTx)
}

// maybeCheckpoint persists ApplierState when the commit-count or wall-clock
// cadence is due, or unconditionally when force is true (spec.md §5
// "whichever comes first").
func (l *Loop) maybeCheckpoint(ctx context.Context, force bool) error {
	var due = force ||
		l.commitsSinceCheckpoint >= l.cfg.CheckpointCommits ||
		time.Since(l.lastCheckpointAt) >= l.cfg.CheckpointInterval
	if !due {
		return nil
	}
	var snap = l.state.snapshot()
	if err := l.cps.Save(ctx, snap); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	l.commitsSinceCheckpoint = 0
	l.lastCheckpointAt = time.Now()
	return nil
}

// gracefulStop aborts any locally open transactions, persists a final
// checkpoint, and transitions to Stopped. cause, if non-nil, is a
// Cancelled error recorded for observability but not treated as fatal.
func (l *Loop) gracefulStop(ctx context.Context, cause error) error {
	l.state.update(func(s *State) { s.Phase = Stopping })
	l.tracker.AbortAll(ctx)

	var snap = l.state.update(func(s *State) {
		s.Phase = Stopped
		s.RunningFlag = false
		if cause != nil {
			var fe = AsFollowerError(cause)
			s.LastError = &ErrorDescriptor{Kind: fe.Kind, Message: fe.Error(), At: time.Now()}
		}
	})
	if err := l.cps.Save(ctx, snap); err != nil {
		l.log.WithError(err).Error("failed to persist final checkpoint on stop")
		return fmt.Errorf("persisting final checkpoint: %w", err)
	}
	l.log.WithField("lastAppliedTick", snap.LastAppliedTick).Info("follower loop stopped")
	return nil
}

// fail transitions to Failed, persists state on a best-effort basis, and
// returns the classified error to the caller (spec.md §7 propagation rule:
// non-retryable kinds stop the loop and surface the error).
func (l *Loop) fail(ctx context.Context, cause error) error {
	var fe = AsFollowerError(cause)
	var snap = l.state.update(func(s *State) {
		s.Phase = Failed
		s.RunningFlag = false
		s.LastError = &ErrorDescriptor{Kind: fe.Kind, Message: fe.Error(), At: time.Now()}
	})
	if err := l.cps.Save(ctx, snap); err != nil {
		l.log.WithError(err).Error("failed to persist checkpoint on fatal error")
	}
	l.log.WithError(fe).Error("follower loop failed")
	return fe
}
