package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dreamware/sectioning/internal/session"
)

func decodeArgs(op session.Op, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s arguments: %v", ErrBadRequest, op, err)
	}
	return nil
}

// Dispatch runs op against ops with JSON-encoded arguments and returns the
// typed result.
func Dispatch(ctx context.Context, ops session.Operations, op session.Op, raw json.RawMessage) (any, error) {
	switch op {
	case session.OpGetCourse:
		var a NameArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.GetCourse(ctx, a.Name)
	case session.OpFindCourses:
		var a session.CourseQuery
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.FindCourses(ctx, a)
	case session.OpGetStudent:
		var a StudentArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.GetStudent(ctx, a.StudentID)
	case session.OpGetRequests:
		var a OfferingArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.GetRequests(ctx, a.OfferingID)
	case session.OpGetExpectations:
		var a OfferingArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.GetExpectations(ctx, a.OfferingID)
	case session.OpEnroll:
		var a EnrollArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.Enroll(ctx, a.StudentID, a.RequestID, a.Enrollment, a.Action)
	case session.OpDrop:
		var a DropArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.Drop(ctx, a.StudentID, a.RequestID, a.Action)
	case session.OpSetWaitlist:
		var a WaitlistArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return ops.SetWaitlist(ctx, a.StudentID, a.RequestID, a.Waitlist, a.Action)
	case session.OpPinOffering:
		var a OfferingArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return nil, ops.PinOffering(ctx, a.OfferingID)
	case session.OpUnpinOffering:
		var a OfferingArgs
		if err := decodeArgs(op, raw, &a); err != nil {
			return nil, err
		}
		return nil, ops.UnpinOffering(ctx, a.OfferingID)
	case session.OpListPinned:
		return ops.ListPinned(ctx)
	case session.OpStats:
		return ops.Stats(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrBadRequest, op)
	}
}
