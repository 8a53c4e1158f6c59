package model

import (
	"encoding/json"
	"fmt"
)

const (
	requestTypeCourse   = "course"
	requestTypeFreeTime = "free"
)

type wireRequest struct {
	Type     string           `json:"type"`
	Course   *CourseRequest   `json:"course,omitempty"`
	FreeTime *FreeTimeRequest `json:"free,omitempty"`
}

type wireStudent struct {
	ID         int64         `json:"id"`
	ExternalID string        `json:"external_id"`
	Name       string        `json:"name"`
	Requests   []wireRequest `json:"requests"`
}

// MarshalJSON encodes the student with its requests tagged by kind.
func (s *Student) MarshalJSON() ([]byte, error) {
	w := wireStudent{ID: s.ID, ExternalID: s.ExternalID, Name: s.Name, Requests: make([]wireRequest, 0, len(s.Requests))}
	for _, r := range s.Requests {
		switch req := r.(type) {
		case *CourseRequest:
			w.Requests = append(w.Requests, wireRequest{Type: requestTypeCourse, Course: req})
		case *FreeTimeRequest:
			w.Requests = append(w.Requests, wireRequest{Type: requestTypeFreeTime, FreeTime: req})
		default:
			return nil, fmt.Errorf("model: unsupported request type %T", r)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (s *Student) UnmarshalJSON(data []byte) error {
	var w wireStudent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ID, s.ExternalID, s.Name = w.ID, w.ExternalID, w.Name
	s.Requests = s.Requests[:0]
	for _, r := range w.Requests {
		switch {
		case r.Type == requestTypeCourse && r.Course != nil:
			r.Course.StudentID = w.ID
			s.Requests = append(s.Requests, r.Course)
		case r.Type == requestTypeFreeTime && r.FreeTime != nil:
			s.Requests = append(s.Requests, r.FreeTime)
		default:
			return fmt.Errorf("model: bad request entry of type %q", r.Type)
		}
	}
	return nil
}
