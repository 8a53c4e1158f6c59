package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sectioning/internal/changes"
	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/config"
	"github.com/dreamware/sectioning/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Node:        config.NodeConfig{ID: "node-1", DataDir: t.TempDir()},
		Cluster:     config.ClusterConfig{LeaseTTL: time.Minute},
		Sync:        config.SyncConfig{Interval: 10 * time.Millisecond},
		Eligibility: config.Eligibility{Year: "2025"},
		Sessions: []model.AcademicSession{
			{ID: 1, Year: "2025", Term: "Fall", Campus: "Main"},
			{ID: 2, Year: "2024", Term: "Fall", Campus: "Main"},
			{ID: 3, Year: "2025", Term: "Spring", Campus: "Main", Test: true},
		},
	}
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func TestNodeStart(t *testing.T) {
	t.Run("loads only eligible sessions", func(t *testing.T) {
		n := startNode(t, testConfig(t))
		assert.Equal(t, []int64{1}, n.registry.SessionIDs())
		assert.Nil(t, n.redis)
	})

	t.Run("shares lease and queue through redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.Redis.URL = "redis://" + mr.Addr()
		a := startNode(t, cfg)

		cfg2 := testConfig(t)
		cfg2.Node.ID = "node-2"
		cfg2.Redis.URL = cfg.Redis.URL
		b := startNode(t, cfg2)

		ctx := context.Background()
		a.container.Elect(ctx)
		b.container.Elect(ctx)
		assert.True(t, a.container.HasMaster(1).Master)
		assert.False(t, b.container.HasMaster(1).Master)
		assert.True(t, mr.Exists(leasePrefix+":1"))
	})

	t.Run("merge reset without data dir keeps published content", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Node.DataDir = ""
		n := startNode(t, cfg)
		n.container.Elect(ctx)

		require.NoError(t, n.queue.Publish(ctx, changes.Change{Session: 1, Kind: changes.OfferingUpdated,
			Offering: &model.Offering{ID: 7, Courses: []*model.Course{{ID: 70, Name: "CS101"}}}}))
		srv := n.registry.GetOrNil(1)
		require.NotNil(t, srv)
		assert.Eventually(t, func() bool { return srv.Store().GetOffering(7) != nil },
			2*time.Second, 5*time.Millisecond)

		n.container.Reset(ctx)
		n.container.Elect(ctx)
		assert.True(t, srv.Ready())
		assert.True(t, srv.IsMaster())
		assert.NotNil(t, srv.Store().GetOffering(7))
	})

	t.Run("bad redis url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Redis.URL = "mysql://nope"
		_, err := NewNode(context.Background(), cfg)
		assert.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Redis.URL = "redis://127.0.0.1:1"
		_, err := NewNode(context.Background(), cfg)
		assert.Error(t, err)
	})
}

func TestNodeRoutes(t *testing.T) {
	n := startNode(t, testConfig(t))
	n.container.Elect(context.Background())
	ts := httptest.NewServer(n.Routes())
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("info", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/info")
		require.NoError(t, err)
		defer resp.Body.Close()
		var info nodeInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		assert.Equal(t, "node-1", info.NodeID)
		require.Len(t, info.Sessions, 1)
		assert.Equal(t, int64(1), info.Sessions[0].Session.ID)
		assert.True(t, info.Sessions[0].Master)
		assert.True(t, info.Sessions[0].Ready)
	})

	t.Run("cluster endpoints", func(t *testing.T) {
		ctx := context.Background()
		solvers, err := cluster.NewNode(ts.URL).Solvers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, solvers.Sessions)

		pinned, err := cluster.NewNodeClient(ts.URL, 1).ListPinned(ctx)
		require.NoError(t, err)
		assert.Empty(t, pinned)

		_, err = cluster.NewNodeClient(ts.URL, 2).GetStudent(ctx, 1)
		assert.ErrorIs(t, err, cluster.ErrNotLoaded)
	})
}

func TestRegister(t *testing.T) {
	t.Run("retries until the coordinator answers", func(t *testing.T) {
		var calls atomic.Int32
		coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req cluster.RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "node-1", req.Node.ID)
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer coord.Close()

		err := register(context.Background(), coord.URL, "node-1", "http://node-1", 5, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up", func(t *testing.T) {
		err := register(context.Background(), "http://127.0.0.1:1", "node-1", "http://node-1", 2, time.Millisecond)
		assert.ErrorIs(t, err, cluster.ErrRemote)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := register(ctx, "http://127.0.0.1:1", "node-1", "http://node-1", 5, time.Second)
		assert.Error(t, err)
	})
}

func TestLogFatalIsReplaceable(t *testing.T) {
	orig := logFatal
	defer func() { logFatal = orig }()

	var got string
	logFatal = func(format string, args ...any) { got = format }
	logFatal("listen: %v", "boom")
	assert.Equal(t, "listen: %v", got)
}
