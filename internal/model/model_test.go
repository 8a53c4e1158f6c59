package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCourseRequestOfferingIDs(t *testing.T) {
	req := &CourseRequest{
		ID: 1,
		Courses: []CourseID{
			{OfferingID: 10, CourseID: 100, Name: "CS101"},
			{OfferingID: 20, CourseID: 200, Name: "CS102"},
			{OfferingID: 10, CourseID: 101, Name: "CS101H"},
		},
	}

	t.Run("unassigned resolves to every referenced offering", func(t *testing.T) {
		assert.Equal(t, []int64{10, 20}, req.OfferingIDs())
	})

	t.Run("assigned resolves to the enrolled offering", func(t *testing.T) {
		r := req.Clone()
		r.Enrollment = &Enrollment{OfferingID: 20, CourseID: 200}
		assert.Equal(t, []int64{20}, r.OfferingIDs())
	})
}

func TestStudentCloneIsDeep(t *testing.T) {
	s := &Student{ID: 7, Name: "Ada", Requests: []Request{
		&CourseRequest{ID: 1, StudentID: 7, Enrollment: &Enrollment{OfferingID: 1, SectionIDs: []int64{5}}},
		&FreeTimeRequest{ID: 2, Days: 3},
	}}

	c := s.Clone()
	c.CourseRequest(1).Enrollment.SectionIDs[0] = 99
	c.Requests[1].(*FreeTimeRequest).Days = 1

	assert.Equal(t, int64(5), s.CourseRequest(1).Enrollment.SectionIDs[0])
	assert.Equal(t, 3, s.Requests[1].(*FreeTimeRequest).Days)
}

func TestStudentJSONRoundTripKeepsRequestKinds(t *testing.T) {
	s := &Student{ID: 3, ExternalID: "X3", Name: "Grace", Requests: []Request{
		&CourseRequest{ID: 11, StudentID: 3, Priority: 0, Courses: []CourseID{{OfferingID: 1, CourseID: 2, Name: "MA 101"}},
			Enrollment: &Enrollment{OfferingID: 1, CourseID: 2, ConfigID: 4, SectionIDs: []int64{8}, TimeStamp: time.Unix(100, 0).UTC()}},
		&FreeTimeRequest{ID: 12, Priority: 1, Days: 2, Start: 90, Length: 12},
	}}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out Student
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Requests, 2)
	cr, ok := out.Requests[0].(*CourseRequest)
	require.True(t, ok)
	assert.Equal(t, int64(3), cr.StudentID)
	assert.Equal(t, []int64{8}, cr.Enrollment.SectionIDs)
	_, ok = out.Requests[1].(*FreeTimeRequest)
	assert.True(t, ok)
}

func TestCourseMatches(t *testing.T) {
	c := &Course{Name: "CS 101", Title: "Intro to Programming"}
	assert.True(t, c.Matches("cs 101"))
	assert.True(t, c.Matches("CS 101 - intro to programming"))
	assert.False(t, c.Matches("CS 101 - Calculus"))
}
