// Package changes carries updates to loaded sessions from whatever produces
// them (loaders, administrative tools) to the synchronizer of every node
// hosting the session.
package changes

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/storage"
)

// ErrInvalidChange is returned when publishing a change missing its payload.
var ErrInvalidChange = errors.New("invalid change")

// Kind tells what a change carries.
type Kind string

const (
	OfferingUpdated     Kind = "offering-updated"
	OfferingRemoved     Kind = "offering-removed"
	StudentUpdated      Kind = "student-updated"
	StudentRemoved      Kind = "student-removed"
	ExpectationsUpdated Kind = "expectations-updated"
	// Reload asks every node to repopulate the session from its loader.
	Reload Kind = "reload"
)

// Change is one update to a session.
type Change struct {
	ID      string `json:"id"`
	Session int64  `json:"session"`
	Kind    Kind   `json:"kind"`
	// Seq is the position of the change in its session's queue, assigned
	// when the change is stored. A reader that has seen Seq n has seen every
	// change of the session numbered below n.
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`
	// Origin identifies the server that published the change, if any.
	// Servers skip their own changes.
	Origin string `json:"origin,omitempty"`

	OfferingID   int64               `json:"offering_id,omitempty"`
	Offering     *model.Offering     `json:"offering,omitempty"`
	StudentID    int64               `json:"student_id,omitempty"`
	Student      *model.Student      `json:"student,omitempty"`
	Expectations *model.Expectations `json:"expectations,omitempty"`
}

// Queue stores changes per session in publish order.
type Queue interface {
	// Publish appends a change and numbers it. ID and At are filled in
	// when empty; At is informational and never orders changes.
	Publish(ctx context.Context, c Change) error

	// Since returns the session's changes numbered after the given
	// sequence, in order. Since(ctx, s, 0) returns the whole history.
	Since(ctx context.Context, session int64, after int64) ([]Change, error)

	// Last returns the highest sequence of the session, or 0.
	Last(ctx context.Context, session int64) (int64, error)
}

// prepare checks the payload of c and fills its defaults.
func prepare(c *Change) error {
	switch c.Kind {
	case OfferingUpdated:
		if c.Offering == nil {
			return ErrInvalidChange
		}
		c.OfferingID = c.Offering.ID
	case StudentUpdated:
		if c.Student == nil {
			return ErrInvalidChange
		}
		c.StudentID = c.Student.ID
	case ExpectationsUpdated:
		if c.Expectations == nil {
			return ErrInvalidChange
		}
		c.OfferingID = c.Expectations.OfferingID
	case OfferingRemoved, StudentRemoved, Reload:
	default:
		return ErrInvalidChange
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}
	c.At = c.At.Truncate(time.Microsecond)
	return nil
}

// Apply writes the change into a session store. Reload changes carry no
// content and leave w untouched.
func (c Change) Apply(w storage.Writer) {
	switch c.Kind {
	case StudentUpdated:
		w.UpdateStudent(c.Student, true)
	case StudentRemoved:
		w.RemoveStudent(c.StudentID)
	case OfferingUpdated:
		w.UpdateOffering(c.Offering)
	case OfferingRemoved:
		w.RemoveOffering(c.OfferingID, true)
	case ExpectationsUpdated:
		w.UpdateExpectations(c.Expectations)
	}
}

// Encode serializes a change.
func Encode(c Change) ([]byte, error) { return sonic.Marshal(c) }

// Decode parses a change written by Encode.
func Decode(data []byte) (Change, error) {
	var c Change
	err := sonic.Unmarshal(data, &c)
	return c, err
}
