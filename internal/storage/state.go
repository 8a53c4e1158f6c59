package storage

import (
	"cmp"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sectioning/internal/model"
)

type requestKey struct {
	studentID int64
	requestID int64
}

// requestIndex maps an entity id to the live course requests referencing it.
type requestIndex map[int64]map[requestKey]*model.CourseRequest

func (ix requestIndex) add(id int64, cr *model.CourseRequest) {
	bucket, ok := ix[id]
	if !ok {
		bucket = make(map[requestKey]*model.CourseRequest)
		ix[id] = bucket
	}
	bucket[requestKey{cr.StudentID, cr.ID}] = cr
}

func (ix requestIndex) remove(id int64, cr *model.CourseRequest) {
	bucket, ok := ix[id]
	if !ok {
		return
	}
	delete(bucket, requestKey{cr.StudentID, cr.ID})
	if len(bucket) == 0 {
		delete(ix, id)
	}
}

func (ix requestIndex) list(id int64) []*model.CourseRequest {
	bucket := ix[id]
	out := make([]*model.CourseRequest, 0, len(bucket))
	for _, cr := range bucket {
		out = append(out, cr.Clone())
	}
	slices.SortFunc(out, func(a, b *model.CourseRequest) int {
		if c := cmp.Compare(a.StudentID, b.StudentID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// state is the unsynchronized content of a store. All locking happens in MemoryStore.
type state struct {
	offerings    map[int64]*model.Offering
	courses      map[int64]*model.Course
	courseNames  map[string][]*model.Course
	students     map[int64]*model.Student
	expectations map[int64]*model.Expectations

	byOffering    requestIndex
	byConfig      requestIndex
	bySection     requestIndex
	byCourse      requestIndex
	byReservation requestIndex
}

func newState() *state {
	s := &state{
		offerings:    make(map[int64]*model.Offering),
		courses:      make(map[int64]*model.Course),
		courseNames:  make(map[string][]*model.Course),
		expectations: make(map[int64]*model.Expectations),
	}
	s.resetStudents()
	return s
}

func (s *state) resetStudents() {
	s.students = make(map[int64]*model.Student)
	s.byOffering = make(requestIndex)
	s.byConfig = make(requestIndex)
	s.bySection = make(requestIndex)
	s.byCourse = make(requestIndex)
	s.byReservation = make(requestIndex)
}

func nameKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// compareCourses orders courses by name, then id.
func compareCourses(a, b *model.Course) int {
	if c := cmp.Compare(nameKey(a.Name), nameKey(b.Name)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *state) refreshUniqueness(key string) {
	bucket := s.courseNames[key]
	for _, c := range bucket {
		c.HasUniqueName = len(bucket) == 1
	}
}

func (s *state) uninstallOffering(offeringID int64) {
	old, ok := s.offerings[offeringID]
	if !ok {
		return
	}
	touched := make(map[string]struct{})
	for _, c := range old.Courses {
		key := nameKey(c.Name)
		s.courseNames[key] = slices.DeleteFunc(s.courseNames[key], func(x *model.Course) bool { return x.ID == c.ID })
		if len(s.courseNames[key]) == 0 {
			delete(s.courseNames, key)
		}
		delete(s.courses, c.ID)
		touched[key] = struct{}{}
	}
	delete(s.offerings, offeringID)
	for key := range touched {
		s.refreshUniqueness(key)
	}
}

func (s *state) installOffering(o *model.Offering) {
	s.offerings[o.ID] = o
	touched := make(map[string]struct{})
	for _, c := range o.Courses {
		c.OfferingID = o.ID
		key := nameKey(c.Name)
		bucket := append(s.courseNames[key], c)
		slices.SortFunc(bucket, compareCourses)
		s.courseNames[key] = bucket
		s.courses[c.ID] = c
		touched[key] = struct{}{}
	}
	for key := range touched {
		s.refreshUniqueness(key)
	}
}

func (s *state) indexRequest(cr *model.CourseRequest) {
	for _, offeringID := range cr.OfferingIDs() {
		s.byOffering.add(offeringID, cr)
	}
	if e := cr.Enrollment; e != nil {
		s.byConfig.add(e.ConfigID, cr)
		s.byCourse.add(e.CourseID, cr)
		for _, sectionID := range e.SectionIDs {
			s.bySection.add(sectionID, cr)
		}
		if e.ReservationID != 0 {
			s.byReservation.add(e.ReservationID, cr)
		}
	}
}

func (s *state) unindexRequest(cr *model.CourseRequest) {
	for _, offeringID := range cr.OfferingIDs() {
		s.byOffering.remove(offeringID, cr)
	}
	if e := cr.Enrollment; e != nil {
		s.byConfig.remove(e.ConfigID, cr)
		s.byCourse.remove(e.CourseID, cr)
		for _, sectionID := range e.SectionIDs {
			s.bySection.remove(sectionID, cr)
		}
		if e.ReservationID != 0 {
			s.byReservation.remove(e.ReservationID, cr)
		}
	}
}

func (s *state) liveRequest(req *model.CourseRequest) *model.CourseRequest {
	if req == nil {
		return nil
	}
	student, ok := s.students[req.StudentID]
	if !ok {
		return nil
	}
	return student.CourseRequest(req.ID)
}

// Reader

func (s *state) GetOffering(offeringID int64) *model.Offering {
	return s.offerings[offeringID].Clone()
}

func (s *state) GetCourseByID(courseID int64) *model.Course {
	c, ok := s.courses[courseID]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

func (s *state) firstByName(name string) *model.Course {
	bucket := s.courseNames[nameKey(name)]
	if len(bucket) == 0 {
		return nil
	}
	out := *bucket[0]
	return &out
}

func (s *state) GetCourse(name string) *model.Course {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	// A name containing a hyphen resolves to itself before any split.
	if c := s.firstByName(name); c != nil {
		return c
	}
	var prefix string
	idx, sep := strings.LastIndex(name, " - "), 3
	if idx < 0 {
		idx, sep = strings.Index(name, "-"), 1
	}
	if idx >= 0 {
		prefix = strings.TrimSpace(name[:idx])
		title := strings.TrimSpace(name[idx+sep:])
		var match *model.Course
		ambiguous := false
		for _, c := range s.courseNames[nameKey(prefix)] {
			if strings.EqualFold(c.Title, title) {
				if match != nil {
					ambiguous = true
					break
				}
				match = c
			}
		}
		if match != nil && !ambiguous {
			out := *match
			return &out
		}
	}
	if prefix != "" {
		return s.firstByName(prefix)
	}
	return nil
}

// relevance ranks a match: exact name, then name prefix, then title.
func relevance(c *model.Course, query string) int {
	switch name := nameKey(c.Name); {
	case name == query:
		return 0
	case strings.HasPrefix(name, query):
		return 1
	default:
		return 2
	}
}

func (s *state) FindCourses(query string, limit int, matcher CourseMatcher) []*model.Course {
	q := nameKey(query)
	accept := func(c *model.Course) bool { return matcher == nil || matcher(c) }

	seen := make(map[int64]struct{})
	var out []*model.Course
	for _, c := range s.courses {
		if strings.HasPrefix(nameKey(c.Name), q) && accept(c) {
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	if len(q) >= 3 && (limit <= 0 || len(out) < limit) {
		for _, c := range s.courses {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			if strings.Contains(strings.ToLower(c.Title), q) && accept(c) {
				out = append(out, c)
			}
		}
	}

	slices.SortFunc(out, func(a, b *model.Course) int {
		if c := cmp.Compare(relevance(a, q), relevance(b, q)); c != 0 {
			return c
		}
		return compareCourses(a, b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]*model.Course, len(out))
	for i, c := range out {
		cc := *c
		result[i] = &cc
	}
	return result
}

func (s *state) GetStudent(studentID int64) *model.Student {
	return s.students[studentID].Clone()
}

func (s *state) FindStudents(matcher StudentMatcher) []*model.Student {
	var out []*model.Student
	for _, st := range s.students {
		if matcher == nil || matcher(st) {
			out = append(out, st.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Student) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *state) GetRequests(offeringID int64) []*model.CourseRequest {
	return s.byOffering.list(offeringID)
}

func (s *state) GetEnrollmentsForConfig(configID int64) []*model.CourseRequest {
	return s.byConfig.list(configID)
}

func (s *state) GetEnrollmentsForSection(sectionID int64) []*model.CourseRequest {
	return s.bySection.list(sectionID)
}

func (s *state) GetEnrollmentsForCourse(courseID int64) []*model.CourseRequest {
	return s.byCourse.list(courseID)
}

func (s *state) GetEnrollmentsForReservation(reservationID int64) []*model.CourseRequest {
	return s.byReservation.list(reservationID)
}

func (s *state) GetExpectations(offeringID int64) *model.Expectations {
	e, ok := s.expectations[offeringID]
	if !ok {
		return model.NewExpectations(offeringID)
	}
	return e.Clone()
}

func (s *state) Stats() StoreStats {
	stats := StoreStats{
		Offerings:    len(s.offerings),
		Courses:      len(s.courses),
		Students:     len(s.students),
		Expectations: len(s.expectations),
	}
	for _, st := range s.students {
		for _, cr := range st.CourseRequests() {
			stats.Requests++
			if cr.Enrollment != nil {
				stats.Enrollments++
			}
		}
	}
	return stats
}

// Writer

func (s *state) UpdateOffering(offering *model.Offering) {
	if offering == nil {
		return
	}
	s.uninstallOffering(offering.ID)
	s.installOffering(offering.Clone())
}

func (s *state) RemoveOffering(offeringID int64, removeExpectations bool) {
	s.uninstallOffering(offeringID)
	if removeExpectations {
		delete(s.expectations, offeringID)
	}
}

func (s *state) UpdateExpectations(expectations *model.Expectations) {
	if expectations == nil {
		return
	}
	s.expectations[expectations.OfferingID] = expectations.Clone()
}

func (s *state) UpdateStudent(student *model.Student, updateRequests bool) {
	if student == nil {
		return
	}
	installed := student.Clone()
	old, exists := s.students[student.ID]
	if exists && !updateRequests {
		installed.Requests = old.Requests
		s.students[student.ID] = installed
		return
	}
	if exists {
		for _, cr := range old.CourseRequests() {
			s.unindexRequest(cr)
		}
	}
	for _, cr := range installed.CourseRequests() {
		cr.StudentID = installed.ID
		s.indexRequest(cr)
	}
	s.students[student.ID] = installed
}

func (s *state) RemoveStudent(studentID int64) {
	old, ok := s.students[studentID]
	if !ok {
		return
	}
	for _, cr := range old.CourseRequests() {
		s.unindexRequest(cr)
	}
	delete(s.students, studentID)
}

func (s *state) Assign(req *model.CourseRequest, enrollment *model.Enrollment) *model.CourseRequest {
	live := s.liveRequest(req)
	if live == nil {
		return nil
	}
	s.unindexRequest(live)
	live.Enrollment = enrollment.Clone()
	s.indexRequest(live)
	return live.Clone()
}

func (s *state) Waitlist(req *model.CourseRequest, waitlist bool) *model.CourseRequest {
	live := s.liveRequest(req)
	if live == nil {
		return nil
	}
	s.unindexRequest(live)
	live.Waitlist = waitlist
	s.indexRequest(live)
	return live.Clone()
}

func (s *state) ClearAll() {
	*s = *newState()
}

func (s *state) ClearAllStudents() {
	s.resetStudents()
}
