package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/session"
	"github.com/dreamware/sectioning/internal/storage"
)

func serveContainer(t *testing.T, c *Container) cluster.NodeInfo {
	t.Helper()
	mux := http.NewServeMux()
	cluster.NewHandler(c).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return cluster.NodeInfo{ID: c.NodeID(), Addr: ts.URL}
}

type testCluster struct {
	members    *Membership
	dispatcher *Dispatcher
	a, b, c    *Container
}

// newTestCluster starts three nodes hosting sx; node-a masters it and
// node-c additionally hosts session 43.
func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	ctx := context.Background()
	lease := NewMemoryLease()
	tc := &testCluster{
		members: NewMembership(),
		a:       newContainer(t, "node-a", lease, sx),
		b:       newContainer(t, "node-b", lease, sx),
		c:       newContainer(t, "node-c", lease, sx, model.AcademicSession{ID: 43}),
	}
	for _, c := range []*Container{tc.a, tc.b, tc.c} {
		c.Elect(ctx)
		_, err := tc.members.Register(serveContainer(t, c))
		require.NoError(t, err)
	}
	tc.dispatcher = NewDispatcher(tc.members)
	return tc
}

func TestDispatcherTarget(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)

	p := tc.dispatcher.Locate(ctx, sx.ID)
	require.NotNil(t, p.Master)
	assert.Equal(t, "node-a", p.Master.ID)
	assert.Len(t, p.Slaves, 2)

	target, err := tc.dispatcher.Target(ctx, sx.ID, session.OpEnroll)
	require.NoError(t, err)
	assert.Equal(t, "node-a", target.ID)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		target, err := tc.dispatcher.Target(ctx, sx.ID, session.OpGetStudent)
		require.NoError(t, err)
		seen[target.ID]++
	}
	assert.Equal(t, map[string]int{"node-b": 2, "node-c": 2}, seen, "reads rotate over slaves")

	target, err = tc.dispatcher.Target(ctx, 43, session.OpGetStudent)
	require.NoError(t, err)
	assert.Equal(t, "node-c", target.ID, "only node hosting the session")

	_, err = tc.dispatcher.Target(ctx, 99, session.OpGetStudent)
	assert.True(t, errors.Is(err, ErrNoNode))
}

func TestDispatcherInvoke(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)

	args, _ := json.Marshal(cluster.EnrollArgs{StudentID: 1, RequestID: 100, Enrollment: &model.Enrollment{OfferingID: 1, CourseID: 10}})
	resp, err := tc.dispatcher.Invoke(ctx, cluster.InvokeRequest{Session: sx.ID, Op: session.OpEnroll, Args: args})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "node-a", resp.Node)

	var req model.CourseRequest
	require.NoError(t, json.Unmarshal(resp.Result, &req))
	require.NotNil(t, req.Enrollment)

	// The master's store changed; slaves only see it through their synchronizer.
	master := tc.a.Registry().GetOrNil(sx.ID)
	assert.Len(t, master.Store().GetEnrollmentsForCourse(10), 1)

	resp, err = tc.dispatcher.Invoke(ctx, cluster.InvokeRequest{Session: sx.ID, Op: session.OpDrop,
		Args: json.RawMessage(`{"student_id": 1, "request_id": 555}`)})
	require.NoError(t, err)
	assert.True(t, errors.Is(resp.Err(), storage.ErrRequestNotFound))

	_, err = tc.dispatcher.Invoke(ctx, cluster.InvokeRequest{Session: sx.ID, Op: "explode"})
	assert.True(t, errors.Is(err, cluster.ErrBadRequest))
}

func TestDispatcherWithoutMaster(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)

	require.NoError(t, tc.a.ApplyView(ctx, cluster.View{ID: 10, Merge: true}))
	_, err := tc.dispatcher.Invoke(ctx, cluster.InvokeRequest{Session: sx.ID, Op: session.OpPinOffering,
		Args: json.RawMessage(`{"offering_id": 1}`)})
	assert.True(t, errors.Is(err, ErrNoMaster))

	tc.b.Elect(ctx)
	target, err := tc.dispatcher.Target(ctx, sx.ID, session.OpPinOffering)
	require.NoError(t, err)
	assert.Equal(t, "node-b", target.ID)
}

func TestDispatcherSkipsUnreachableMembers(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	_, err := tc.members.Register(cluster.NodeInfo{ID: "node-z", Addr: "http://127.0.0.1:1"})
	require.NoError(t, err)

	target, err := tc.dispatcher.Target(ctx, sx.ID, session.OpEnroll)
	require.NoError(t, err)
	assert.Equal(t, "node-a", target.ID)
	assert.Equal(t, []int64{sx.ID, 43}, tc.dispatcher.Solvers(ctx))
}

func TestDispatcherBroadcastMerge(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)

	tc.members.MarkDown("node-a")
	view, changed := tc.members.MarkUp("node-a")
	require.True(t, changed)
	tc.dispatcher.Broadcast(ctx, view)

	for _, c := range []*Container{tc.a, tc.b, tc.c} {
		assert.Equal(t, view.ID, c.LastView())
		assert.Equal(t, uint64(1), c.Merges())
	}
	assert.Equal(t, 0, countMasters(tc.a, tc.b, tc.c))

	for _, c := range []*Container{tc.c, tc.a, tc.b} {
		c.Elect(ctx)
	}
	assert.Equal(t, 1, countMasters(tc.a, tc.b, tc.c))
	assert.True(t, tc.c.HasMaster(sx.ID).Master)
}
