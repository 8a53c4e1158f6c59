package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/sectioning/internal/lockset"
	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/session"
	"github.com/dreamware/sectioning/internal/storage"
)

// ErrRemote marks a failure talking to another process. The local store is
// never touched when it is returned.
var ErrRemote = errors.New("remote call failed")

// NodeInfo identifies a node and where to reach it.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is sent by a node to the coordinator on startup.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// View is a membership view. Merge is set when a member that had been
// unreachable rejoins: every node must then reset the sessions it masters.
type View struct {
	ID      uint64     `json:"id"`
	Members []NodeInfo `json:"members"`
	Merge   bool       `json:"merge,omitempty"`
	Joined  []string   `json:"joined,omitempty"`
}

// HasMasterRequest asks a node whether it masters a session.
type HasMasterRequest struct {
	Session int64 `json:"session"`
}

// HasMasterResponse answers HasMasterRequest.
type HasMasterResponse struct {
	Node   string `json:"node"`
	Master bool   `json:"master"`
	Loaded bool   `json:"loaded"`
}

// SolversResponse lists the sessions loaded on a node.
type SolversResponse struct {
	Node     string  `json:"node"`
	Sessions []int64 `json:"sessions"`
}

// InvokeRequest runs one operation against a session.
type InvokeRequest struct {
	Session int64           `json:"session"`
	Op      session.Op      `json:"op"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// InvokeResponse carries either a result or an error. Code identifies
// errors the caller may want to match.
type InvokeResponse struct {
	Node   string          `json:"node,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   ErrorCode       `json:"code,omitempty"`
}

// Arguments of the invocable operations.
type (
	NameArgs struct {
		Name string `json:"name"`
	}
	StudentArgs struct {
		StudentID int64 `json:"student_id"`
	}
	OfferingArgs struct {
		OfferingID int64 `json:"offering_id"`
	}
	EnrollArgs struct {
		StudentID  int64             `json:"student_id"`
		RequestID  int64             `json:"request_id"`
		Enrollment *model.Enrollment `json:"enrollment"`
		Action     string            `json:"action,omitempty"`
	}
	DropArgs struct {
		StudentID int64  `json:"student_id"`
		RequestID int64  `json:"request_id"`
		Action    string `json:"action,omitempty"`
	}
	WaitlistArgs struct {
		StudentID int64  `json:"student_id"`
		RequestID int64  `json:"request_id"`
		Waitlist  bool   `json:"waitlist"`
		Action    string `json:"action,omitempty"`
	}
)

// ErrorCode names an error that survives the trip over the wire.
type ErrorCode string

const (
	CodeNotReady         ErrorCode = "not-ready"
	CodeNotLoaded        ErrorCode = "not-loaded"
	CodeNotMaster        ErrorCode = "not-master"
	CodeRequestNotFound  ErrorCode = "request-not-found"
	CodeOfferingNotFound ErrorCode = "offering-not-found"
	CodeLock             ErrorCode = "lock"
	CodeBadRequest       ErrorCode = "bad-request"
	CodeRemote           ErrorCode = "remote"
	CodeInternal         ErrorCode = "internal"
)

var (
	// ErrNotMaster is returned when a master-only operation reaches a slave.
	ErrNotMaster = errors.New("not the session master")
	// ErrNotLoaded is returned when the session is not loaded on the node.
	ErrNotLoaded = errors.New("session not loaded on node")
	// ErrBadRequest is returned for unknown operations or malformed arguments.
	ErrBadRequest = errors.New("bad request")
)

var codeErrors = map[ErrorCode]error{
	CodeNotReady:         session.ErrNotReady,
	CodeNotLoaded:        ErrNotLoaded,
	CodeNotMaster:        ErrNotMaster,
	CodeRequestNotFound:  storage.ErrRequestNotFound,
	CodeOfferingNotFound: storage.ErrOfferingNotFound,
	CodeLock:             lockset.ErrAcquire,
	CodeBadRequest:       ErrBadRequest,
	CodeRemote:           ErrRemote,
}

// CodeOf classifies err for the wire.
func CodeOf(err error) ErrorCode {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeInternal
}

// Err rebuilds the error of a failed response, or returns nil.
func (r *InvokeResponse) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	if target, ok := codeErrors[r.Code]; ok {
		return fmt.Errorf("%w (node %s): %s", target, r.Node, r.Error)
	}
	return fmt.Errorf("node %s: %s", r.Node, r.Error)
}

// StatusOf maps an error code to the HTTP status used to carry it.
func StatusOf(code ErrorCode) int {
	switch code {
	case "":
		return http.StatusOK
	case CodeNotReady, CodeLock:
		return http.StatusServiceUnavailable
	case CodeNotLoaded, CodeRequestNotFound, CodeOfferingNotFound:
		return http.StatusNotFound
	case CodeNotMaster:
		return http.StatusMisdirectedRequest
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body and decodes the response into out. Transport errors
// and non-2xx statuses wrap ErrRemote; a body decodable into out is still
// decoded on error statuses so callers can read structured errors.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrRemote, req.URL, err)
	}
	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%w: http %s: %d %s", ErrRemote, req.URL, resp.StatusCode, strings.TrimSpace(string(data)))
		if out != nil && json.Unmarshal(data, out) == nil {
			return &StatusError{Status: resp.StatusCode, err: statusErr}
		}
		return statusErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrRemote, req.URL, err)
	}
	return nil
}

// StatusError is returned for error statuses whose body was decoded.
type StatusError struct {
	Status int
	err    error
}

func (e *StatusError) Error() string { return e.err.Error() }
func (e *StatusError) Unwrap() error { return e.err }
