package storage

import (
	"errors"

	"github.com/dreamware/sectioning/internal/model"
)

// Lookups on the store report absence with nil results. These errors are for
// operations built on top of it that must report absence upward.
var (
	ErrRequestNotFound  = errors.New("request not found")
	ErrOfferingNotFound = errors.New("offering not found")
)

// CourseMatcher filters courses in FindCourses. A nil matcher accepts every course.
type CourseMatcher func(c *model.Course) bool

// StudentMatcher selects students in FindStudents.
type StudentMatcher func(s *model.Student) bool

// Reader is the read side of the session store.
// Every value returned is a copy; mutating it never changes the store.
type Reader interface {
	// GetOffering returns the offering or nil if it is not installed.
	GetOffering(offeringID int64) *model.Offering

	// GetCourse resolves a course by name or by a "name - title" composite.
	// Returns nil if no course matches.
	GetCourse(name string) *model.Course

	// GetCourseByID returns the course or nil.
	GetCourseByID(courseID int64) *model.Course

	// FindCourses matches course names by prefix and, for queries of at
	// least three characters, titles by substring. Results are ordered by
	// relevance; limit <= 0 means no cap.
	FindCourses(query string, limit int, matcher CourseMatcher) []*model.Course

	// GetStudent returns the student or nil.
	GetStudent(studentID int64) *model.Student

	// FindStudents returns every student accepted by the matcher.
	FindStudents(matcher StudentMatcher) []*model.Student

	// GetRequests returns the course requests currently resolving to the offering.
	GetRequests(offeringID int64) []*model.CourseRequest

	// GetEnrollmentsForConfig returns the requests enrolled in the configuration.
	GetEnrollmentsForConfig(configID int64) []*model.CourseRequest

	// GetEnrollmentsForSection returns the requests enrolled in the section.
	GetEnrollmentsForSection(sectionID int64) []*model.CourseRequest

	// GetEnrollmentsForCourse returns the requests enrolled in the course.
	GetEnrollmentsForCourse(courseID int64) []*model.CourseRequest

	// GetEnrollmentsForReservation returns the requests consuming the reservation.
	GetEnrollmentsForReservation(reservationID int64) []*model.CourseRequest

	// GetExpectations returns the offering's projection, empty if none was stored.
	GetExpectations(offeringID int64) *model.Expectations

	// Stats returns counters over the store content.
	Stats() StoreStats
}

// Writer is the write side of the session store.
type Writer interface {
	Reader

	// UpdateOffering replaces the offering and its course-name entries.
	// Expectations of the offering are kept.
	UpdateOffering(offering *model.Offering)

	// RemoveOffering removes the offering and its course-name entries,
	// dropping its expectations too when removeExpectations is set.
	RemoveOffering(offeringID int64, removeExpectations bool)

	// UpdateExpectations overwrites the offering's projection wholesale.
	UpdateExpectations(expectations *model.Expectations)

	// UpdateStudent replaces a student. With updateRequests the requests of
	// the new record are installed and indexed in place of the old ones;
	// without it only the student's own fields change.
	UpdateStudent(student *model.Student, updateRequests bool)

	// RemoveStudent removes the student and every index entry of its requests.
	RemoveStudent(studentID int64)

	// Assign sets the enrollment of the live request matching req by
	// student and request id. A nil enrollment unassigns. Returns the
	// updated request, or nil when the student no longer holds it.
	Assign(req *model.CourseRequest, enrollment *model.Enrollment) *model.CourseRequest

	// Waitlist sets the waitlist flag of the live request, like Assign.
	Waitlist(req *model.CourseRequest, waitlist bool) *model.CourseRequest

	// ClearAll empties the store.
	ClearAll()

	// ClearAllStudents removes every student and request index entry.
	ClearAllStudents()
}

// Store is a session store whose methods each take the store-wide lock:
// reads the shared side, writes the exclusive side.
//
// View and Update run a function under a single acquisition. Code running
// inside Update must use the Writer it is given, never the Store, since the
// exclusive lock is already held.
type Store interface {
	Writer

	// View runs fn holding the shared lock.
	View(fn func(r Reader))

	// Update runs fn holding the exclusive lock and returns its error.
	Update(fn func(w Writer) error) error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Offerings    int `json:"offerings"`
	Courses      int `json:"courses"`
	Students     int `json:"students"`
	Requests     int `json:"requests"`
	Enrollments  int `json:"enrollments"`
	Expectations int `json:"expectations"`
}
