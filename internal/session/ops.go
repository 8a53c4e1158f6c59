package session

import (
	"context"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sectioning/internal/model"
)

// Operations is what a caller can do with one session, locally through a
// Server or remotely through a cluster client.
type Operations interface {
	GetCourse(ctx context.Context, name string) (*model.Course, error)
	FindCourses(ctx context.Context, q CourseQuery) ([]*model.Course, error)
	GetStudent(ctx context.Context, studentID int64) (*model.Student, error)
	GetRequests(ctx context.Context, offeringID int64) ([]*model.CourseRequest, error)
	GetExpectations(ctx context.Context, offeringID int64) (*model.Expectations, error)
	Enroll(ctx context.Context, studentID, requestID int64, enrollment *model.Enrollment, action string) (*model.CourseRequest, error)
	Drop(ctx context.Context, studentID, requestID int64, action string) (*model.CourseRequest, error)
	SetWaitlist(ctx context.Context, studentID, requestID int64, waitlist bool, action string) (*model.CourseRequest, error)
	PinOffering(ctx context.Context, offeringID int64) error
	UnpinOffering(ctx context.Context, offeringID int64) error
	ListPinned(ctx context.Context) ([]int64, error)
	Stats(ctx context.Context) (Stats, error)
}

var _ Operations = (*Server)(nil)

// Op names a remotable operation.
type Op string

const (
	OpGetCourse       Op = "get-course"
	OpFindCourses     Op = "find-courses"
	OpGetStudent      Op = "get-student"
	OpGetRequests     Op = "get-requests"
	OpGetExpectations Op = "get-expectations"
	OpEnroll          Op = "enroll"
	OpDrop            Op = "drop"
	OpSetWaitlist     Op = "set-waitlist"
	OpPinOffering     Op = "pin-offering"
	OpUnpinOffering   Op = "unpin-offering"
	OpListPinned      Op = "list-pinned"
	OpStats           Op = "stats"
)

// catalogue maps every operation to whether it must run on the master.
var catalogue = map[Op]bool{
	OpGetCourse:       false,
	OpFindCourses:     false,
	OpGetStudent:      false,
	OpGetRequests:     false,
	OpGetExpectations: false,
	OpEnroll:          true,
	OpDrop:            true,
	OpSetWaitlist:     true,
	OpPinOffering:     true,
	OpUnpinOffering:   true,
	OpListPinned:      true,
	OpStats:           false,
}

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	_, ok := catalogue[op]
	return ok
}

// MasterOnly reports whether op mutates authoritative state and therefore
// must be routed to the session's master.
func (op Op) MasterOnly() bool { return catalogue[op] }

// Ops returns every known operation in name order.
func Ops() []Op {
	ops := maps.Keys(catalogue)
	slices.Sort(ops)
	return ops
}
