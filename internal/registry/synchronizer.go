package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/changes"
	"github.com/dreamware/sectioning/internal/lockset"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/session"
	"github.com/dreamware/sectioning/internal/storage"
)

// ActionSync is the action name under which changes are applied.
const ActionSync = "Sync"

// synchronizer polls the change queue for one session and applies what it
// finds under the session's business locks.
type synchronizer struct {
	server   *session.Server
	queue    changes.Queue
	interval time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}
}

func newSynchronizer(srv *session.Server, q changes.Queue, interval time.Duration) *synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &synchronizer{
		server:   srv,
		queue:    q,
		interval: interval,
		log:      logging.For("synchronizer").With().Int64("session", srv.Session().ID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *synchronizer) start() { go s.run() }

// stop ends the loop. Without interrupt an in-flight poll completes first.
func (s *synchronizer) stop(interrupt bool) {
	if interrupt {
		s.cancel()
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	s.cancel()
}

func (s *synchronizer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(s.ctx); err != nil {
				s.log.Warn().Err(err).Msg("sync poll failed")
			}
		}
	}
}

// poll applies every change after the server's position, stopping at the
// first failure so it is retried on the next tick. A reload, whether asked
// for by a change or done by someone else meanwhile, ends the poll; the next
// one starts from the reloaded position.
func (s *synchronizer) poll(ctx context.Context) error {
	load := s.server.ID()
	pending, err := s.queue.Since(ctx, s.server.Session().ID, s.server.Position())
	if err != nil {
		return err
	}
	applied := 0
	for _, c := range pending {
		if c.Kind == changes.Reload {
			if err := apply(ctx, s.server, c); err != nil {
				return fmt.Errorf("apply %s %s: %w", c.Kind, c.ID, err)
			}
			return nil
		}
		var fn func() error
		if c.Origin != load {
			fn = func() error { return apply(ctx, s.server, c) }
		}
		current, err := s.server.Follow(load, c, fn)
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", c.Kind, c.ID, err)
		}
		if !current {
			s.log.Debug().Msg("session reloaded during poll")
			return nil
		}
		if fn != nil {
			applied++
		}
	}
	if applied > 0 {
		s.log.Debug().Int("changes", applied).Int64("position", s.server.Position()).Msg("changes applied")
	}
	return nil
}

func apply(ctx context.Context, srv *session.Server, c changes.Change) error {
	var (
		lock *lockset.Lock
		err  error
	)
	switch c.Kind {
	case changes.Reload:
		srv.MarkNotReady()
		return srv.Reload(ctx)
	case changes.StudentUpdated, changes.StudentRemoved:
		lock, err = srv.Facade().LockForStudent(ctx, c.StudentID, nil, ActionSync)
	case changes.OfferingUpdated, changes.OfferingRemoved, changes.ExpectationsUpdated:
		lock, err = srv.Facade().LockForOffering(ctx, c.OfferingID, nil, ActionSync)
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	return srv.Store().Update(func(w storage.Writer) error {
		c.Apply(w)
		return nil
	})
}
