// Package registry owns the session servers of a process: it decides which
// academic sessions may be loaded, creates and unloads their servers and
// runs one synchronizer per loaded session.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sectioning/internal/changes"
	"github.com/dreamware/sectioning/internal/config"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/session"
)

var (
	// ErrNotEligible is returned by Create for sessions the eligibility
	// rules exclude, including when a rule itself is malformed.
	ErrNotEligible = errors.New("session not eligible")
	// ErrNotLoaded is returned for sessions that are not active here.
	ErrNotLoaded = errors.New("session not loaded")
)

// State is the registry's view of one session.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateActive   State = "active"
)

// Options configures a registry.
type Options struct {
	Eligibility  config.Eligibility
	Properties   map[string]string // per-action lock flags handed to every server
	Loader       session.Loader
	Queue        changes.Queue // nil disables synchronization
	SyncInterval time.Duration

	// ReplayChanges is handed to every server; see session.Options.
	ReplayChanges bool
}

type entry struct {
	server *session.Server
	sync   *synchronizer
	state  State
}

// Registry maps academic session ids to their servers.
type Registry struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[int64]*entry
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = config.DefaultSyncInterval
	}
	return &Registry{
		opts:    opts,
		log:     logging.For("registry"),
		entries: make(map[int64]*entry),
	}
}

func fullMatch(pattern, value string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}

// Eligible checks the session against the eligibility rules.
func (r *Registry) Eligible(s model.AcademicSession) error {
	if s.Test && !r.opts.Eligibility.AllowTestSessions {
		return fmt.Errorf("%w: %s is a test session", ErrNotEligible, s)
	}
	for _, rule := range []struct{ field, pattern, value string }{
		{"year", r.opts.Eligibility.Year, s.Year},
		{"term", r.opts.Eligibility.Term, s.Term},
		{"campus", r.opts.Eligibility.Campus, s.Campus},
	} {
		ok, err := fullMatch(rule.pattern, rule.value)
		if err != nil {
			return fmt.Errorf("%w: malformed %s pattern %q: %v", ErrNotEligible, rule.field, rule.pattern, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s %q does not match %q", ErrNotEligible, rule.field, rule.value, rule.pattern)
		}
	}
	return nil
}

// GetOrNil returns the active server of the session, or nil. It never waits
// for a session that is still loading.
func (r *Registry) GetOrNil(sessionID int64) *session.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.state != StateActive {
		return nil
	}
	return e.server
}

// Get is GetOrNil returning ErrNotLoaded instead of nil.
func (r *Registry) Get(sessionID int64) (*session.Server, error) {
	if s := r.GetOrNil(sessionID); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrNotLoaded, sessionID)
}

// StateOf returns the registry state of the session.
func (r *Registry) StateOf(sessionID int64) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[sessionID]; ok {
		return e.state
	}
	return StateUnloaded
}

// Create loads the session and starts its synchronizer.
//
// Parameters:
//   - ctx: bounds the load
//   - s: the academic session; it must pass Eligible
//
// Returns:
//   - the active server; creating an active session returns its server
//   - ErrNotEligible when the eligibility rules refuse the session
//   - ErrNotLoaded while another Create of the session is still loading it,
//     or when the session was unloaded before its load finished
//   - the loader's error, in which case nothing stays registered
//
// Like GetOrNil, Create only ever hands out active servers.
func (r *Registry) Create(ctx context.Context, s model.AcademicSession) (*session.Server, error) {
	if err := r.Eligible(s); err != nil {
		r.log.Info().Int64("session", s.ID).Err(err).Msg("session refused")
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[s.ID]; ok {
		r.mu.Unlock()
		if e.state != StateActive {
			return nil, fmt.Errorf("%w: %d is loading", ErrNotLoaded, s.ID)
		}
		return e.server, nil
	}
	srv := session.NewServer(s, session.Options{
		Properties:    r.opts.Properties,
		Loader:        r.opts.Loader,
		Changes:       r.opts.Queue,
		ReplayChanges: r.opts.ReplayChanges,
	})
	e := &entry{server: srv, state: StateLoading}
	r.entries[s.ID] = e
	r.mu.Unlock()

	started := time.Now()
	if err := srv.Reload(ctx); err != nil {
		r.mu.Lock()
		if r.entries[s.ID] == e {
			delete(r.entries, s.ID)
		}
		r.mu.Unlock()
		srv.Close()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[s.ID] != e {
		// Unloaded while loading.
		srv.Close()
		return nil, fmt.Errorf("%w: %d unloaded during load", ErrNotLoaded, s.ID)
	}
	if r.opts.Queue != nil {
		e.sync = newSynchronizer(srv, r.opts.Queue, r.opts.SyncInterval)
		e.sync.start()
	}
	e.state = StateActive
	r.log.Info().Int64("session", s.ID).Str("label", s.String()).Dur("took", time.Since(started)).Msg("session loaded")
	return srv, nil
}

// Unload stops the session's synchronizer, interrupting an in-flight poll
// when asked, and releases its server. Unloading an unknown session is a no-op.
func (r *Registry) Unload(sessionID int64, interrupt bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if ok {
		r.release(sessionID, e, interrupt)
	}
}

func (r *Registry) release(sessionID int64, e *entry, interrupt bool) {
	if e.sync != nil {
		e.sync.stop(interrupt)
	}
	e.server.Close()
	r.log.Info().Int64("session", sessionID).Msg("session unloaded")
}

// UnloadAll unloads every session while holding the registry's write lock.
func (r *Registry) UnloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var g errgroup.Group
	for id, e := range r.entries {
		g.Go(func() error {
			r.release(id, e, true)
			return nil
		})
	}
	_ = g.Wait()
	r.entries = make(map[int64]*entry)
}

// Servers returns the active servers ordered by session id.
func (r *Registry) Servers() []*session.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session.Server
	for _, e := range r.entries {
		if e.state == StateActive {
			out = append(out, e.server)
		}
	}
	slices.SortFunc(out, func(a, b *session.Server) int {
		return cmp.Compare(a.Session().ID, b.Session().ID)
	})
	return out
}

// SessionIDs returns the ids of every loading or active session.
func (r *Registry) SessionIDs() []int64 {
	r.mu.RLock()
	ids := maps.Keys(r.entries)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// LoadAll creates every eligible session of the list. Ineligible sessions are
// skipped; the first load failure is returned after all were attempted.
func (r *Registry) LoadAll(ctx context.Context, sessions []model.AcademicSession) error {
	var first error
	for _, s := range sessions {
		if _, err := r.Create(ctx, s); err != nil && !errors.Is(err, ErrNotEligible) && first == nil {
			first = err
		}
	}
	return first
}
