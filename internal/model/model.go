// Package model holds the academic-session entities kept in memory by the
// session store: offerings with their courses, configurations and sections,
// students with their requests, enrollments, reservations and per-offering
// expectations.
//
// Entities are plain values. The store owns the authoritative copies and
// hands out clones, so nothing returned from a read can be used to mutate
// indexed state behind the store's back.
package model

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// AcademicSession is the partitioning unit; one store exists per active session.
type AcademicSession struct {
	ID     int64  `json:"id" yaml:"id"`
	Year   string `json:"year" yaml:"year"`
	Term   string `json:"term" yaml:"term"`
	Campus string `json:"campus" yaml:"campus"`
	Test   bool   `json:"test,omitempty" yaml:"test"`
}

// String returns the session label in the usual "Term Year (Campus)" form.
func (s AcademicSession) String() string {
	return fmt.Sprintf("%s %s (%s)", s.Term, s.Year, s.Campus)
}

// CourseID identifies a course within its offering together with its display name.
type CourseID struct {
	OfferingID int64  `json:"offering_id"`
	CourseID   int64  `json:"course_id"`
	Name       string `json:"name"`
}

// Course is a registerable unit within an offering.
type Course struct {
	ID         int64  `json:"id"`
	OfferingID int64  `json:"offering_id"`
	Subject    string `json:"subject"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	Limit      int    `json:"limit"`

	// HasUniqueName is maintained by the store: true when no other installed
	// course shares Name (case-insensitive).
	HasUniqueName bool `json:"has_unique_name"`
}

// CourseID returns the lightweight identifier of the course.
func (c *Course) CourseID() CourseID {
	return CourseID{OfferingID: c.OfferingID, CourseID: c.ID, Name: c.Name}
}

// Matches reports whether the course matches a "name - title" composite or a plain name.
func (c *Course) Matches(name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(c.Name, name) {
		return true
	}
	return c.Title != "" && strings.EqualFold(c.Name+" - "+c.Title, name)
}

// Section is a single class meeting group within a subpart.
type Section struct {
	ID        int64  `json:"id"`
	SubpartID int64  `json:"subpart_id"`
	Name      string `json:"name"`
	Limit     int    `json:"limit"`
}

// Subpart groups sections of one instructional type within a configuration.
type Subpart struct {
	ID       int64      `json:"id"`
	ConfigID int64      `json:"config_id"`
	Type     string     `json:"type"`
	Sections []*Section `json:"sections"`
}

// Config is an instructional configuration of an offering.
type Config struct {
	ID         int64      `json:"id"`
	OfferingID int64      `json:"offering_id"`
	Name       string     `json:"name"`
	Subparts   []*Subpart `json:"subparts"`
}

// Reservation is a capacity carve-out on an offering.
type Reservation struct {
	ID         int64   `json:"id"`
	OfferingID int64   `json:"offering_id"`
	Limit      int     `json:"limit"`
	StudentIDs []int64 `json:"student_ids,omitempty"`
}

// Offering is the schedulable unit and the unit of pin-locking.
type Offering struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	Courses      []*Course      `json:"courses"`
	Configs      []*Config      `json:"configs"`
	Reservations []*Reservation `json:"reservations,omitempty"`
}

// Clone returns a deep copy of the offering.
func (o *Offering) Clone() *Offering {
	if o == nil {
		return nil
	}
	out := &Offering{ID: o.ID, Name: o.Name}
	for _, c := range o.Courses {
		cc := *c
		out.Courses = append(out.Courses, &cc)
	}
	for _, cfg := range o.Configs {
		nc := &Config{ID: cfg.ID, OfferingID: cfg.OfferingID, Name: cfg.Name}
		for _, sp := range cfg.Subparts {
			ns := &Subpart{ID: sp.ID, ConfigID: sp.ConfigID, Type: sp.Type}
			for _, s := range sp.Sections {
				sc := *s
				ns.Sections = append(ns.Sections, &sc)
			}
			nc.Subparts = append(nc.Subparts, ns)
		}
		out.Configs = append(out.Configs, nc)
	}
	for _, r := range o.Reservations {
		rc := *r
		rc.StudentIDs = slices.Clone(r.StudentIDs)
		out.Reservations = append(out.Reservations, &rc)
	}
	return out
}

// Course returns the offering's course with the given id, or nil.
func (o *Offering) Course(courseID int64) *Course {
	for _, c := range o.Courses {
		if c.ID == courseID {
			return c
		}
	}
	return nil
}

// Enrollment is the assignment of a request to sections of one configuration.
type Enrollment struct {
	OfferingID    int64     `json:"offering_id"`
	CourseID      int64     `json:"course_id"`
	ConfigID      int64     `json:"config_id"`
	SectionIDs    []int64   `json:"section_ids"`
	ReservationID int64     `json:"reservation_id,omitempty"`
	TimeStamp     time.Time `json:"timestamp"`
}

// Clone returns a copy of the enrollment.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	out := *e
	out.SectionIDs = slices.Clone(e.SectionIDs)
	return &out
}

// Request is a student's expressed desire, either a course request or a free time block.
type Request interface {
	RequestID() int64
	RequestPriority() int
	CloneRequest() Request
}

// CourseRequest references the courses (primary first, then alternatives) a student would take.
type CourseRequest struct {
	ID          int64       `json:"id"`
	StudentID   int64       `json:"student_id"`
	Priority    int         `json:"priority"`
	Alternative bool        `json:"alternative,omitempty"`
	Courses     []CourseID  `json:"courses"`
	Waitlist    bool        `json:"waitlist,omitempty"`
	Enrollment  *Enrollment `json:"enrollment,omitempty"`
	TimeStamp   time.Time   `json:"timestamp"`
}

func (r *CourseRequest) RequestID() int64     { return r.ID }
func (r *CourseRequest) RequestPriority() int { return r.Priority }

// CloneRequest returns a deep copy.
func (r *CourseRequest) CloneRequest() Request { return r.Clone() }

// Clone returns a deep copy of the course request.
func (r *CourseRequest) Clone() *CourseRequest {
	out := *r
	out.Courses = slices.Clone(r.Courses)
	out.Enrollment = r.Enrollment.Clone()
	return &out
}

// Requests reports whether one of the request's courses, alternatives
// included, belongs to the offering.
func (r *CourseRequest) Requests(offeringID int64) bool {
	return slices.ContainsFunc(r.Courses, func(c CourseID) bool { return c.OfferingID == offeringID })
}

// OfferingIDs returns the offerings the request currently resolves to: the
// enrolled offering when assigned, otherwise every offering among its courses.
func (r *CourseRequest) OfferingIDs() []int64 {
	if r.Enrollment != nil {
		return []int64{r.Enrollment.OfferingID}
	}
	ids := make([]int64, 0, len(r.Courses))
	for _, c := range r.Courses {
		if !slices.Contains(ids, c.OfferingID) {
			ids = append(ids, c.OfferingID)
		}
	}
	return ids
}

// FreeTimeRequest blocks a time window in the student's schedule.
type FreeTimeRequest struct {
	ID       int64 `json:"id"`
	Priority int   `json:"priority"`
	Days     int   `json:"days"`
	Start    int   `json:"start"`
	Length   int   `json:"length"`
}

func (r *FreeTimeRequest) RequestID() int64     { return r.ID }
func (r *FreeTimeRequest) RequestPriority() int { return r.Priority }

func (r *FreeTimeRequest) CloneRequest() Request {
	out := *r
	return &out
}

// Student holds the requests of one student.
type Student struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Requests   []Request `json:"-"`
}

// Clone returns a deep copy of the student and its requests.
func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	out := &Student{ID: s.ID, ExternalID: s.ExternalID, Name: s.Name}
	for _, r := range s.Requests {
		out.Requests = append(out.Requests, r.CloneRequest())
	}
	return out
}

// CourseRequests returns the course requests of the student in priority order.
func (s *Student) CourseRequests() []*CourseRequest {
	var out []*CourseRequest
	for _, r := range s.Requests {
		if cr, ok := r.(*CourseRequest); ok {
			out = append(out, cr)
		}
	}
	return out
}

// CourseRequest returns the student's course request with the given id, or nil.
func (s *Student) CourseRequest(requestID int64) *CourseRequest {
	for _, cr := range s.CourseRequests() {
		if cr.ID == requestID {
			return cr
		}
	}
	return nil
}

// EnrolledOfferingIDs returns the offerings the student is currently enrolled in.
func (s *Student) EnrolledOfferingIDs() []int64 {
	var ids []int64
	for _, cr := range s.CourseRequests() {
		if cr.Enrollment != nil && !slices.Contains(ids, cr.Enrollment.OfferingID) {
			ids = append(ids, cr.Enrollment.OfferingID)
		}
	}
	return ids
}

// Expectations is the offering-scoped projection of expected demand per section.
type Expectations struct {
	OfferingID int64             `json:"offering_id"`
	Version    int64             `json:"version"`
	Sections   map[int64]float64 `json:"sections"`
}

// NewExpectations returns an empty projection for an offering.
func NewExpectations(offeringID int64) *Expectations {
	return &Expectations{OfferingID: offeringID, Sections: make(map[int64]float64)}
}

// Clone returns a copy of the projection.
func (e *Expectations) Clone() *Expectations {
	out := &Expectations{OfferingID: e.OfferingID, Version: e.Version, Sections: make(map[int64]float64, len(e.Sections))}
	for k, v := range e.Sections {
		out.Sections[k] = v
	}
	return out
}

// CourseChoice names a course in a pending registration, by id when known, else by name.
type CourseChoice struct {
	CourseID int64  `json:"course_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

// RequestedCourse is one line of a registration: a primary choice followed by alternates.
type RequestedCourse struct {
	Priority    int            `json:"priority"`
	Alternative bool           `json:"alternative,omitempty"`
	Choices     []CourseChoice `json:"choices"`
}

// RegistrationRequest is what a student submits before it is resolved to course requests.
type RegistrationRequest struct {
	StudentID int64             `json:"student_id"`
	Courses   []RequestedCourse `json:"courses"`
}
