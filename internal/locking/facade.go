package locking

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dreamware/sectioning/internal/lockset"
	"github.com/dreamware/sectioning/internal/logging"
	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/storage"
)

// Facade turns domain intents into lock key sets. Key sets are computed under
// the store's read lock and acquired after it is released.
type Facade struct {
	store    storage.Store
	coord    *lockset.Coordinator
	pins     *Pins
	settings *ActionSettings
	log      zerolog.Logger
}

// NewFacade wires a facade over one session's store.
func NewFacade(store storage.Store, coord *lockset.Coordinator, pins *Pins, settings *ActionSettings) *Facade {
	return &Facade{
		store:    store,
		coord:    coord,
		pins:     pins,
		settings: settings,
		log:      logging.For("locking"),
	}
}

// Pins returns the pin set consulted by the facade.
func (f *Facade) Pins() *Pins { return f.pins }

// keySet accumulates keys without duplicates.
type keySet map[lockset.Key]struct{}

func (ks keySet) add(k lockset.Key) { ks[k] = struct{}{} }

func (ks keySet) list() []lockset.Key {
	out := make([]lockset.Key, 0, len(ks))
	for k := range ks {
		out = append(out, k)
	}
	return lockset.Canonical(out)
}

func (f *Facade) addOffering(ks keySet, cfg ActionConfig, offeringID int64) {
	if !cfg.LockOfferings {
		return
	}
	if cfg.ExcludeLockedOfferings && f.pins != nil && f.pins.IsPinned(offeringID) {
		return
	}
	ks.add(lockset.OfferingKey(offeringID))
}

func (f *Facade) studentKeys(r storage.Reader, ks keySet, cfg ActionConfig, studentID int64, offeringIDs []int64) {
	if cfg.LockStudents {
		ks.add(lockset.StudentKey(studentID))
	}
	if st := r.GetStudent(studentID); st != nil {
		for _, id := range st.EnrolledOfferingIDs() {
			f.addOffering(ks, cfg, id)
		}
	}
	for _, id := range offeringIDs {
		f.addOffering(ks, cfg, id)
	}
}

func (f *Facade) offeringKeys(r storage.Reader, ks keySet, cfg ActionConfig, offeringID int64, studentIDs []int64) {
	f.addOffering(ks, cfg, offeringID)
	if !cfg.LockStudents {
		return
	}
	for _, cr := range r.GetRequests(offeringID) {
		ks.add(lockset.StudentKey(cr.StudentID))
	}
	for _, id := range studentIDs {
		ks.add(lockset.StudentKey(id))
	}
}

// StudentKeys computes the key set LockForStudent would acquire.
func (f *Facade) StudentKeys(studentID int64, offeringIDs []int64, action string) []lockset.Key {
	cfg := f.settings.For(action)
	ks := make(keySet)
	f.store.View(func(r storage.Reader) {
		f.studentKeys(r, ks, cfg, studentID, offeringIDs)
	})
	return ks.list()
}

// OfferingKeys computes the key set LockForOffering would acquire.
func (f *Facade) OfferingKeys(offeringID int64, studentIDs []int64, action string) []lockset.Key {
	cfg := f.settings.For(action)
	ks := make(keySet)
	f.store.View(func(r storage.Reader) {
		f.offeringKeys(r, ks, cfg, offeringID, studentIDs)
	})
	return ks.list()
}

// RequestKeys computes the key set LockForRequest would acquire: the
// requesting student plus, for every offering any choice resolves to, what
// LockForOffering would lock.
func (f *Facade) RequestKeys(req *model.RegistrationRequest, action string) []lockset.Key {
	cfg := f.settings.For(action)
	ks := make(keySet)
	if req == nil {
		return nil
	}
	f.store.View(func(r storage.Reader) {
		if cfg.LockStudents {
			ks.add(lockset.StudentKey(req.StudentID))
		}
		for _, id := range ResolveOfferings(r, req) {
			f.offeringKeys(r, ks, cfg, id, nil)
		}
	})
	return ks.list()
}

// ResolveOfferings maps every primary and alternate choice of a registration
// request to the offering it belongs to. Unknown courses are skipped.
func ResolveOfferings(r storage.Reader, req *model.RegistrationRequest) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, rc := range req.Courses {
		for _, choice := range rc.Choices {
			var c *model.Course
			if choice.CourseID != 0 {
				c = r.GetCourseByID(choice.CourseID)
			}
			if c == nil && choice.Name != "" {
				c = r.GetCourse(choice.Name)
			}
			if c == nil {
				continue
			}
			if _, dup := seen[c.OfferingID]; !dup {
				seen[c.OfferingID] = struct{}{}
				out = append(out, c.OfferingID)
			}
		}
	}
	return out
}

// LockForStudent locks a student and the offerings it is enrolled in plus offeringIDs.
func (f *Facade) LockForStudent(ctx context.Context, studentID int64, offeringIDs []int64, action string) (*lockset.Lock, error) {
	return f.acquire(ctx, action, f.StudentKeys(studentID, offeringIDs, action))
}

// LockForOffering locks an offering and the students registered for it plus studentIDs.
func (f *Facade) LockForOffering(ctx context.Context, offeringID int64, studentIDs []int64, action string) (*lockset.Lock, error) {
	return f.acquire(ctx, action, f.OfferingKeys(offeringID, studentIDs, action))
}

// LockForRequest locks everything a pending registration request may touch.
func (f *Facade) LockForRequest(ctx context.Context, req *model.RegistrationRequest, action string) (*lockset.Lock, error) {
	return f.acquire(ctx, action, f.RequestKeys(req, action))
}

func (f *Facade) acquire(ctx context.Context, action string, keys []lockset.Key) (*lockset.Lock, error) {
	l, err := f.coord.Acquire(ctx, keys)
	if err != nil {
		f.log.Warn().Err(err).Str("action", action).Int("keys", len(keys)).Msg("lock not acquired")
		return nil, err
	}
	f.log.Debug().Str("action", action).Str("lock", l.ID()).Int("keys", len(keys)).Msg("lock acquired")
	return l, nil
}
