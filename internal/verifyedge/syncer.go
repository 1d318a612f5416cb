package verifyedge

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SyncReason names what asked for a drain.
type SyncReason string

const (
	SyncStartup  SyncReason = "startup"
	SyncOnline   SyncReason = "online"
	SyncPeriodic SyncReason = "periodic"
	SyncMessage  SyncReason = "message"
)

// SyncEvent is an inbound request to drain the offline queue. The trigger
// mechanism (reconnection, ticker, client message) only produces events; the
// syncer decides nothing beyond running Drain.
type SyncEvent struct {
	Reason SyncReason
	Tag    string
}

type drainFunc func(ctx context.Context) (DrainReport, error)

type syncer struct {
	drain drainFunc
	log   *zap.Logger

	// Capacity 1: a trigger that arrives while one is already queued is
	// folded into it, since a drain always reads every pending entry.
	events chan SyncEvent

	// observed is called after every pass; tests hook it.
	observed func(SyncEvent, DrainReport, error)
}

func newSyncer(drain drainFunc, log *zap.Logger) *syncer {
	return &syncer{
		drain:  drain,
		log:    log,
		events: make(chan SyncEvent, 1),
	}
}

// Trigger queues ev without blocking. It reports false when a drain is
// already queued.
func (s *syncer) Trigger(ev SyncEvent) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *syncer) run(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		case ev := <-s.events:
			rep, err := s.drain(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("drain failed", zap.String("reason", string(ev.Reason)), zap.Error(err))
			}
			if s.observed != nil {
				s.observed(ev, rep, err)
			}
		}
	}
}

// connectivity tracks whether the origin was reachable on the last call.
type connectivity struct {
	offline  atomic.Bool
	onOnline func()
}

func newConnectivity(onOnline func()) *connectivity {
	return &connectivity{onOnline: onOnline}
}

func (c *connectivity) Online() bool { return !c.offline.Load() }

// MarkOffline records a transport failure. It reports whether this call
// flipped the state.
func (c *connectivity) MarkOffline() bool {
	return c.offline.CompareAndSwap(false, true)
}

// MarkOnline records a successful origin round trip and fires onOnline on an
// offline -> online transition.
func (c *connectivity) MarkOnline() bool {
	if !c.offline.CompareAndSwap(true, false) {
		return false
	}
	if c.onOnline != nil {
		c.onOnline()
	}
	return true
}

func (s *Service) periodicSyncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.syncer.Trigger(SyncEvent{Reason: SyncPeriodic, Tag: SyncTagVerifications})
		}
	}
}

// probeLoop checks origin reachability so a reconnection is noticed even when
// no client traffic flows.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			_, _ = s.roundTrip(ctx, http.MethodHead, s.cfg.Sync.ProbePath, nil, nil)
			cancel()
		}
	}
}

func (s *Service) pruneLoop(retention time.Duration) {
	every := retention
	if every > time.Hour {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			n, err := s.queue.Prune(time.Now().Add(-retention))
			if err != nil {
				s.log.Warn("prune synced verifications", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("pruned synced verifications", zap.Int("count", n))
			}
		}
	}
}
