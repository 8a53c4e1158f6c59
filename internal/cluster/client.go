package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/session"
)

// Client runs session operations on another process. It implements
// session.Operations, so callers cannot tell a remote session from a local one.
type Client struct {
	endpoint string
	session  int64
}

var _ session.Operations = (*Client)(nil)

// NewNodeClient targets the session on the node at addr.
func NewNodeClient(addr string, sessionID int64) *Client {
	return &Client{endpoint: strings.TrimRight(addr, "/") + "/rpc/invoke", session: sessionID}
}

// NewCoordinatorClient targets the session through the coordinator, which
// picks the node.
func NewCoordinatorClient(addr string, sessionID int64) *Client {
	return &Client{
		endpoint: strings.TrimRight(addr, "/") + "/sessions/" + strconv.FormatInt(sessionID, 10) + "/invoke",
		session:  sessionID,
	}
}

// Session returns the session id the client targets.
func (c *Client) Session() int64 { return c.session }

// Invoke sends a raw request and returns the raw response.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	var resp InvokeResponse
	err := PostJSON(ctx, c.endpoint, req, &resp)
	var se *StatusError
	if errors.As(err, &se) && (resp.Error != "" || resp.Code != "") {
		// Structured operation failure: the remote side answered.
		return resp, nil
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, op session.Op, args any, out any) error {
	req := InvokeRequest{Session: c.session, Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", op, err)
		}
		req.Args = raw
	}
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrRemote, op, err)
	}
	return nil
}

func (c *Client) GetCourse(ctx context.Context, name string) (*model.Course, error) {
	var out *model.Course
	err := c.call(ctx, session.OpGetCourse, NameArgs{Name: name}, &out)
	return out, err
}

func (c *Client) FindCourses(ctx context.Context, q session.CourseQuery) ([]*model.Course, error) {
	var out []*model.Course
	err := c.call(ctx, session.OpFindCourses, q, &out)
	return out, err
}

func (c *Client) GetStudent(ctx context.Context, studentID int64) (*model.Student, error) {
	var out *model.Student
	err := c.call(ctx, session.OpGetStudent, StudentArgs{StudentID: studentID}, &out)
	return out, err
}

func (c *Client) GetRequests(ctx context.Context, offeringID int64) ([]*model.CourseRequest, error) {
	var out []*model.CourseRequest
	err := c.call(ctx, session.OpGetRequests, OfferingArgs{OfferingID: offeringID}, &out)
	return out, err
}

func (c *Client) GetExpectations(ctx context.Context, offeringID int64) (*model.Expectations, error) {
	var out *model.Expectations
	err := c.call(ctx, session.OpGetExpectations, OfferingArgs{OfferingID: offeringID}, &out)
	return out, err
}

func (c *Client) Enroll(ctx context.Context, studentID, requestID int64, enrollment *model.Enrollment, action string) (*model.CourseRequest, error) {
	var out *model.CourseRequest
	args := EnrollArgs{StudentID: studentID, RequestID: requestID, Enrollment: enrollment, Action: action}
	err := c.call(ctx, session.OpEnroll, args, &out)
	return out, err
}

func (c *Client) Drop(ctx context.Context, studentID, requestID int64, action string) (*model.CourseRequest, error) {
	var out *model.CourseRequest
	err := c.call(ctx, session.OpDrop, DropArgs{StudentID: studentID, RequestID: requestID, Action: action}, &out)
	return out, err
}

func (c *Client) SetWaitlist(ctx context.Context, studentID, requestID int64, waitlist bool, action string) (*model.CourseRequest, error) {
	var out *model.CourseRequest
	args := WaitlistArgs{StudentID: studentID, RequestID: requestID, Waitlist: waitlist, Action: action}
	err := c.call(ctx, session.OpSetWaitlist, args, &out)
	return out, err
}

func (c *Client) PinOffering(ctx context.Context, offeringID int64) error {
	return c.call(ctx, session.OpPinOffering, OfferingArgs{OfferingID: offeringID}, nil)
}

func (c *Client) UnpinOffering(ctx context.Context, offeringID int64) error {
	return c.call(ctx, session.OpUnpinOffering, OfferingArgs{OfferingID: offeringID}, nil)
}

func (c *Client) ListPinned(ctx context.Context) ([]int64, error) {
	var out []int64
	err := c.call(ctx, session.OpListPinned, nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (session.Stats, error) {
	var out session.Stats
	err := c.call(ctx, session.OpStats, nil, &out)
	return out, err
}

// NodeClient talks to a node's cluster endpoints.
type NodeClient struct {
	addr string
}

// NewNode returns a client for the node at addr.
func NewNode(addr string) *NodeClient {
	return &NodeClient{addr: strings.TrimRight(addr, "/")}
}

// HasMaster asks whether the node masters the session.
func (n *NodeClient) HasMaster(ctx context.Context, sessionID int64) (HasMasterResponse, error) {
	var out HasMasterResponse
	err := PostJSON(ctx, n.addr+"/rpc/has-master", HasMasterRequest{Session: sessionID}, &out)
	return out, err
}

// Solvers lists the sessions loaded on the node.
func (n *NodeClient) Solvers(ctx context.Context) (SolversResponse, error) {
	var out SolversResponse
	err := GetJSON(ctx, n.addr+"/rpc/solvers", &out)
	return out, err
}

// SendView delivers a membership view.
func (n *NodeClient) SendView(ctx context.Context, v View) error {
	return PostJSON(ctx, n.addr+"/rpc/view", v, nil)
}
