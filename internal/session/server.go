package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/changes"
	"github.com/dreamware/sectioning/internal/locking"
	"github.com/dreamware/sectioning/internal/lockset"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/storage"
)

// ErrNotReady is returned while a session is loading or waiting for a reload.
var ErrNotReady = errors.New("session not ready")

// State represents the lifecycle state of a session server
type State string

const (
	// StateLoading means the store is being populated
	StateLoading State = "loading"
	// StateActive means the session is serving requests
	StateActive State = "active"
	// StateUnloaded means the session was released and must not be used
	StateUnloaded State = "unloaded"
)

// Default action names used by the business operations.
const (
	ActionEnroll   = "Enroll"
	ActionDrop     = "Drop"
	ActionWaitlist = "Waitlist"
)

// OperationStats tracks operation counts
type OperationStats struct {
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Failures uint64 `json:"failures"`
}

// Stats describes a session server for status endpoints.
type Stats struct {
	Session      model.AcademicSession `json:"session"`
	State        State                 `json:"state"`
	Ready        bool                  `json:"ready"`
	ReloadNeeded bool                  `json:"reload_needed"`
	Master       bool                  `json:"master"`
	LastSync     time.Time             `json:"last_sync"`
	Position     int64                 `json:"position"`
	Pinned       []int64               `json:"pinned"`
	Ops          OperationStats        `json:"ops"`
	Store        storage.StoreStats    `json:"store"`
}

// CourseQuery is the remotable form of a course search. Subject, when set,
// restricts matches to that subject area.
type CourseQuery struct {
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
	Subject string `json:"subject,omitempty"`
}

// Server is one academic session's store together with its locking facade
// and readiness flags.
type Server struct {
	id      atomic.Value // string, renewed by every load
	session model.AcademicSession
	store   *storage.MemoryStore
	facade  *locking.Facade
	loader  Loader
	changes changes.Queue
	replay  bool
	log     zerolog.Logger

	// syncMu orders loads against the synchronizer moving the position.
	syncMu   sync.Mutex
	position atomic.Int64 // sequence of the last change reflected in the store

	state        atomic.Value // State
	ready        atomic.Bool
	reloadNeeded atomic.Bool
	master       atomic.Bool
	lastSync     atomic.Int64 // unix nanoseconds of the last load or applied change

	reads, writes, failures atomic.Uint64
}

// Options configures a new server.
type Options struct {
	Properties map[string]string // per-action lock flags
	Loader     Loader            // nil loads nothing

	// Changes is the session's change queue. The master publishes the
	// student records it changes there so the other nodes hosting the
	// session can follow, and loads take their position from it. Nil
	// disables both.
	Changes changes.Queue

	// ReplayChanges makes every load apply the whole change history on top
	// of the loader's content. Without it a load assumes the loader already
	// reflects every published change and starts from the queue's head.
	// Use it whenever the loader's content does not include published
	// changes, including when there is no loader at all.
	ReplayChanges bool
}

// NewServer returns a server in the loading state with an empty store.
func NewServer(session model.AcademicSession, opts Options) *Server {
	store := storage.NewMemoryStore()
	coord := lockset.NewCoordinator()
	s := &Server{
		session: session,
		store:   store,
		facade:  locking.NewFacade(store, coord, locking.NewPins(coord), locking.NewActionSettings(opts.Properties)),
		loader:  opts.Loader,
		changes: opts.Changes,
		replay:  opts.ReplayChanges,
		log:     logging.For("session").With().Int64("session", session.ID).Logger(),
	}
	s.id.Store(uuid.NewString())
	s.state.Store(StateLoading)
	s.reloadNeeded.Store(true)
	return s
}

// ID identifies the current load of this server. It differs between
// servers and changes on every Reload, so changes published before a
// reload are not mistaken for the current content's own.
func (s *Server) ID() string { return s.id.Load().(string) }

// Session returns the academic session served.
func (s *Server) Session() model.AcademicSession { return s.session }

// Store returns the underlying store. Callers mutating it directly must hold
// a facade lock covering what they touch.
func (s *Server) Store() *storage.MemoryStore { return s.store }

// Facade returns the locking facade of the session.
func (s *Server) Facade() *locking.Facade { return s.facade }

// State returns the lifecycle state.
func (s *Server) State() State { return s.state.Load().(State) }

// SetState updates the lifecycle state.
func (s *Server) SetState(state State) { s.state.Store(state) }

// Ready reports whether operations are served.
func (s *Server) Ready() bool { return s.ready.Load() }

// ReloadNeeded reports whether the store must be repopulated before serving.
func (s *Server) ReloadNeeded() bool { return s.reloadNeeded.Load() }

// IsMaster reports whether this process holds the session's master lease.
func (s *Server) IsMaster() bool { return s.master.Load() }

// SetMaster records the outcome of master election.
func (s *Server) SetMaster(master bool) {
	if s.master.Swap(master) != master {
		s.log.Info().Bool("master", master).Msg("mastership changed")
	}
}

// MarkNotReady stops serving until the next successful Reload.
func (s *Server) MarkNotReady() {
	s.ready.Store(false)
	s.reloadNeeded.Store(true)
}

// LastSync returns when the store last took in content, by a load or by the
// synchronizer.
func (s *Server) LastSync() time.Time {
	n := s.lastSync.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Position returns the sequence of the last change reflected in the store.
func (s *Server) Position() int64 { return s.position.Load() }

// Follow brings one change into the store for a reader that started on the
// load identified by load: it runs apply, which may be nil for changes the
// reader skips, and moves the position past the change. Loads wait for
// Follow and the reverse, so a change read before a reload is never written
// over the reloaded content. Follow reports false without running apply when
// the server was reloaded since; the reader must then stop.
func (s *Server) Follow(load string, c changes.Change, apply func() error) (bool, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.ID() != load {
		return false, nil
	}
	if apply != nil {
		if err := apply(); err != nil {
			return true, err
		}
	}
	if c.Seq > s.position.Load() {
		s.position.Store(c.Seq)
		s.lastSync.Store(time.Now().UnixNano())
	}
	return true, nil
}

// Reload clears the store, repopulates it from the loader and marks the
// session ready. Pins are dropped since the offerings they guarded were replaced.
//
// With ReplayChanges the whole change history is applied after the loader,
// in the same write, so the session is complete the moment it is ready.
// Otherwise the position is the queue's head as read before loading.
func (s *Server) Reload(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.ready.Store(false)
	s.facade.Pins().UnpinAll()
	position, err := s.load(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reload failed")
		return fmt.Errorf("reload session %d: %w", s.session.ID, err)
	}
	s.id.Store(uuid.NewString())
	s.position.Store(position)
	s.lastSync.Store(time.Now().UnixNano())
	s.reloadNeeded.Store(false)
	s.ready.Store(true)
	s.SetState(StateActive)
	st := s.store.Stats()
	s.log.Info().Int("offerings", st.Offerings).Int("students", st.Students).Int64("position", position).Msg("session loaded")
	return nil
}

// load fills the store and returns the position it reflects.
func (s *Server) load(ctx context.Context) (int64, error) {
	var position int64
	if s.changes != nil && !s.replay {
		head, err := s.changes.Last(ctx, s.session.ID)
		if err != nil {
			return 0, err
		}
		position = head
	}
	err := s.store.Update(func(w storage.Writer) error {
		w.ClearAll()
		if s.loader != nil {
			if err := s.loader.Load(ctx, s.session, w); err != nil {
				return err
			}
		}
		if s.changes == nil || !s.replay {
			return nil
		}
		history, err := s.changes.Since(ctx, s.session.ID, 0)
		if err != nil {
			return fmt.Errorf("replay changes: %w", err)
		}
		for _, c := range history {
			c.Apply(w)
			position = c.Seq
		}
		return nil
	})
	return position, err
}

// Close releases pins and marks the server unloaded.
func (s *Server) Close() {
	s.ready.Store(false)
	s.master.Store(false)
	s.facade.Pins().UnpinAll()
	s.SetState(StateUnloaded)
}

func (s *Server) checkReady() error {
	if !s.ready.Load() {
		s.failures.Add(1)
		return fmt.Errorf("%w: session %d", ErrNotReady, s.session.ID)
	}
	return nil
}

func (s *Server) read() error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.reads.Add(1)
	return nil
}

// GetCourse resolves a course by name or "name - title".
func (s *Server) GetCourse(_ context.Context, name string) (*model.Course, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.store.GetCourse(name), nil
}

// FindCourses searches courses by name prefix and title substring.
func (s *Server) FindCourses(_ context.Context, q CourseQuery) ([]*model.Course, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	var matcher storage.CourseMatcher
	if q.Subject != "" {
		matcher = func(c *model.Course) bool { return c.Subject == q.Subject }
	}
	return s.store.FindCourses(q.Query, q.Limit, matcher), nil
}

// GetStudent returns the student or nil.
func (s *Server) GetStudent(_ context.Context, studentID int64) (*model.Student, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.store.GetStudent(studentID), nil
}

// GetRequests returns the course requests resolving to the offering.
func (s *Server) GetRequests(_ context.Context, offeringID int64) ([]*model.CourseRequest, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.store.GetRequests(offeringID), nil
}

// GetExpectations returns the offering's projection.
func (s *Server) GetExpectations(_ context.Context, offeringID int64) (*model.Expectations, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return s.store.GetExpectations(offeringID), nil
}

// mutate locks the student together with offeringIDs for action and runs fn
// under the store's write lock. The lock is released on every path.
func (s *Server) mutate(ctx context.Context, studentID int64, offeringIDs []int64, action string, fn func(w storage.Writer) error) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	lock, err := s.facade.LockForStudent(ctx, studentID, offeringIDs, action)
	if err != nil {
		s.failures.Add(1)
		return err
	}
	defer lock.Release()

	if err := s.store.Update(fn); err != nil {
		s.failures.Add(1)
		return err
	}
	s.writes.Add(1)
	s.publishStudent(ctx, studentID)
	return nil
}

// publishStudent sends the student's current record to the other replicas.
// It runs under the business lock so records leave in mutation order. A
// failed publish does not undo the local mutation.
func (s *Server) publishStudent(ctx context.Context, studentID int64) {
	if s.changes == nil || !s.IsMaster() {
		return
	}
	student := s.store.GetStudent(studentID)
	if student == nil {
		return
	}
	c := changes.Change{Session: s.session.ID, Kind: changes.StudentUpdated, Origin: s.ID(), Student: student}
	if err := s.changes.Publish(ctx, c); err != nil {
		s.log.Warn().Err(err).Int64("student", studentID).Msg("change not published")
	}
}

// Enroll assigns the student's request to the enrollment. The request's
// previous offering, if any, is locked along with the new one.
func (s *Server) Enroll(ctx context.Context, studentID, requestID int64, enrollment *model.Enrollment, action string) (*model.CourseRequest, error) {
	if enrollment == nil {
		return nil, fmt.Errorf("enroll student %d request %d: enrollment is required", studentID, requestID)
	}
	if action == "" {
		action = ActionEnroll
	}
	e := enrollment.Clone()
	if e.TimeStamp.IsZero() {
		e.TimeStamp = time.Now()
	}

	var out *model.CourseRequest
	err := s.mutate(ctx, studentID, []int64{e.OfferingID}, action, func(w storage.Writer) error {
		if w.GetOffering(e.OfferingID) == nil {
			return fmt.Errorf("%w: %d", storage.ErrOfferingNotFound, e.OfferingID)
		}
		var cr *model.CourseRequest
		if st := w.GetStudent(studentID); st != nil {
			cr = st.CourseRequest(requestID)
		}
		if cr == nil {
			return fmt.Errorf("%w: student %d request %d", storage.ErrRequestNotFound, studentID, requestID)
		}
		if !cr.Requests(e.OfferingID) {
			return fmt.Errorf("%w: offering %d is not requested by student %d request %d",
				storage.ErrOfferingNotFound, e.OfferingID, studentID, requestID)
		}
		out = w.Assign(&model.CourseRequest{ID: requestID, StudentID: studentID}, e)
		if out == nil {
			return fmt.Errorf("%w: student %d request %d", storage.ErrRequestNotFound, studentID, requestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int64("student", studentID).Int64("request", requestID).Int64("offering", e.OfferingID).Msg("enrolled")
	return out, nil
}

// Drop removes the enrollment of the student's request.
func (s *Server) Drop(ctx context.Context, studentID, requestID int64, action string) (*model.CourseRequest, error) {
	if action == "" {
		action = ActionDrop
	}
	var out *model.CourseRequest
	err := s.mutate(ctx, studentID, nil, action, func(w storage.Writer) error {
		out = w.Assign(&model.CourseRequest{ID: requestID, StudentID: studentID}, nil)
		if out == nil {
			return fmt.Errorf("%w: student %d request %d", storage.ErrRequestNotFound, studentID, requestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetWaitlist sets the waitlist flag of the student's request.
func (s *Server) SetWaitlist(ctx context.Context, studentID, requestID int64, waitlist bool, action string) (*model.CourseRequest, error) {
	if action == "" {
		action = ActionWaitlist
	}
	var out *model.CourseRequest
	err := s.mutate(ctx, studentID, nil, action, func(w storage.Writer) error {
		out = w.Waitlist(&model.CourseRequest{ID: requestID, StudentID: studentID}, waitlist)
		if out == nil {
			return fmt.Errorf("%w: student %d request %d", storage.ErrRequestNotFound, studentID, requestID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PinOffering pins the offering until UnpinOffering.
func (s *Server) PinOffering(ctx context.Context, offeringID int64) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.facade.Pins().Pin(ctx, offeringID); err != nil {
		s.failures.Add(1)
		return err
	}
	s.writes.Add(1)
	return nil
}

// UnpinOffering releases the offering's pin, if any.
func (s *Server) UnpinOffering(_ context.Context, offeringID int64) error {
	s.facade.Pins().Unpin(offeringID)
	s.writes.Add(1)
	return nil
}

// ListPinned returns the pinned offerings.
func (s *Server) ListPinned(_ context.Context) ([]int64, error) {
	return s.facade.Pins().ListPinned(), nil
}

// Stats returns a snapshot of the server's state and counters.
func (s *Server) Stats(_ context.Context) (Stats, error) {
	return Stats{
		Session:      s.session,
		State:        s.State(),
		Ready:        s.Ready(),
		ReloadNeeded: s.ReloadNeeded(),
		Master:       s.IsMaster(),
		LastSync:     s.LastSync(),
		Position:     s.Position(),
		Pinned:       s.facade.Pins().ListPinned(),
		Ops: OperationStats{
			Reads:    s.reads.Load(),
			Writes:   s.writes.Load(),
			Failures: s.failures.Load(),
		},
		Store: s.store.Stats(),
	}, nil
}
