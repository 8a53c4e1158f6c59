package storage

import (
	"sync"

	"github.com/dreamware/sectioning/internal/model"
)

// MemoryStore implements Store with in-memory indexes
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu    sync.RWMutex // Protects concurrent access
	state *state       // Indexed session content
}

// NewMemoryStore creates a new, empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newState()}
}

// View runs fn under the shared lock
func (m *MemoryStore) View(fn func(r Reader)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.state)
}

// Update runs fn under the exclusive lock
func (m *MemoryStore) Update(fn func(w Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) GetOffering(offeringID int64) *model.Offering {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetOffering(offeringID)
}

func (m *MemoryStore) GetCourse(name string) *model.Course {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCourse(name)
}

func (m *MemoryStore) GetCourseByID(courseID int64) *model.Course {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCourseByID(courseID)
}

func (m *MemoryStore) FindCourses(query string, limit int, matcher CourseMatcher) []*model.Course {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindCourses(query, limit, matcher)
}

func (m *MemoryStore) GetStudent(studentID int64) *model.Student {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetStudent(studentID)
}

func (m *MemoryStore) FindStudents(matcher StudentMatcher) []*model.Student {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindStudents(matcher)
}

func (m *MemoryStore) GetRequests(offeringID int64) []*model.CourseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRequests(offeringID)
}

func (m *MemoryStore) GetEnrollmentsForConfig(configID int64) []*model.CourseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetEnrollmentsForConfig(configID)
}

func (m *MemoryStore) GetEnrollmentsForSection(sectionID int64) []*model.CourseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetEnrollmentsForSection(sectionID)
}

func (m *MemoryStore) GetEnrollmentsForCourse(courseID int64) []*model.CourseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetEnrollmentsForCourse(courseID)
}

func (m *MemoryStore) GetEnrollmentsForReservation(reservationID int64) []*model.CourseRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetEnrollmentsForReservation(reservationID)
}

func (m *MemoryStore) GetExpectations(offeringID int64) *model.Expectations {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetExpectations(offeringID)
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Stats()
}

func (m *MemoryStore) UpdateOffering(offering *model.Offering) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UpdateOffering(offering)
}

func (m *MemoryStore) RemoveOffering(offeringID int64, removeExpectations bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RemoveOffering(offeringID, removeExpectations)
}

func (m *MemoryStore) UpdateExpectations(expectations *model.Expectations) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UpdateExpectations(expectations)
}

func (m *MemoryStore) UpdateStudent(student *model.Student, updateRequests bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UpdateStudent(student, updateRequests)
}

func (m *MemoryStore) RemoveStudent(studentID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RemoveStudent(studentID)
}

// Assign replaces the enrollment of the live request; index removal and
// insertion happen under one exclusive acquisition.
func (m *MemoryStore) Assign(req *model.CourseRequest, enrollment *model.Enrollment) *model.CourseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Assign(req, enrollment)
}

func (m *MemoryStore) Waitlist(req *model.CourseRequest, waitlist bool) *model.CourseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Waitlist(req, waitlist)
}

// ClearAll resets the store to the state of a freshly created one
func (m *MemoryStore) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ClearAll()
}

func (m *MemoryStore) ClearAllStudents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ClearAllStudents()
}
