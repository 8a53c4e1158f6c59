package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/coordinator"
	"github.com/dreamware/sectioning/internal/model"
)

const sessionID = 42

const sessionData = `{
  "offerings": [
    {"id": 1, "courses": [{"id": 10, "name": "CS101", "title": "Intro"}]},
    {"id": 2, "courses": [{"id": 20, "name": "CS102", "title": "Data Structures"}]}
  ],
  "students": [{"id": 1, "name": "Ada", "requests": [
    {"type": "course", "course": {"id": 100, "courses": [
      {"offering_id": 1, "course_id": 10, "name": "CS101"},
      {"offering_id": 2, "course_id": 20, "name": "CS102"}
    ]}}
  ]}]
}`

const nodeConfig = `sessions:
  - id: 42
    year: "2025"
    term: Fall
    campus: Main
eligibility:
  year: "20\\d\\d"
`

// TestSystem is a coordinator plus two nodes sharing a Redis.
type TestSystem struct {
	t         *testing.T
	bin       string
	redis     *miniredis.Miniredis
	coord     *exec.Cmd
	nodes     map[string]*exec.Cmd
	coordAddr string
	nodeAddrs map[string]string
	dataDir   string
	config    string
}

func binDir() string {
	if dir := os.Getenv("SECTIONING_BIN"); dir != "" {
		return dir
	}
	return filepath.Join("..", "..", "bin")
}

// NewTestSystem prepares data and config; Start launches the processes.
func NewTestSystem(t *testing.T) *TestSystem {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.json", sessionID)), []byte(sessionData), 0o600))
	cfg := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(nodeConfig), 0o600))

	return &TestSystem{
		t:         t,
		bin:       binDir(),
		redis:     miniredis.RunT(t),
		nodes:     make(map[string]*exec.Cmd),
		coordAddr: "http://127.0.0.1:18080", // high ports to avoid conflicts
		nodeAddrs: map[string]string{
			"n1": "http://127.0.0.1:18081",
			"n2": "http://127.0.0.1:18082",
		},
		dataDir: dir,
		config:  cfg,
	}
}

func (ts *TestSystem) start(name string, env ...string) (*exec.Cmd, error) {
	cmd := exec.Command(filepath.Join(ts.bin, name))
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, cmd.Start()
}

// Start launches the coordinator, then the nodes.
func (ts *TestSystem) Start() error {
	var err error
	ts.coord, err = ts.start("coordinator",
		"COORDINATOR_LISTEN=:18080",
		"HEALTH_INTERVAL=100ms",
		"LOG_LEVEL=warn",
	)
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for _, id := range []string{"n1", "n2"} {
		if err := ts.StartNode(id); err != nil {
			return err
		}
	}
	return nil
}

// StartNode launches one node and waits until it answers.
func (ts *TestSystem) StartNode(id string) error {
	addr := ts.nodeAddrs[id]
	node, err := ts.start("node",
		"NODE_ID="+id,
		"NODE_LISTEN="+addr[len("http://127.0.0.1"):],
		"NODE_ADDR="+addr,
		"COORDINATOR_ADDR="+ts.coordAddr,
		"REDIS_URL=redis://"+ts.redis.Addr(),
		"DATA_DIR="+ts.dataDir,
		"CONFIG_FILE="+ts.config,
		"LEASE_TTL=300ms",
		"SYNC_INTERVAL=50ms",
		"LOG_LEVEL=warn",
	)
	if err != nil {
		return fmt.Errorf("failed to start node %s: %w", id, err)
	}
	ts.nodes[id] = node
	if err := waitForService(addr + "/health"); err != nil {
		return fmt.Errorf("node %s failed to start: %w", id, err)
	}
	return nil
}

// Kill stops a node without letting it release its leases.
func (ts *TestSystem) Kill(id string) {
	if node := ts.nodes[id]; node != nil && node.Process != nil {
		_ = node.Process.Kill()
		_ = node.Wait()
		delete(ts.nodes, id)
	}
}

// Stop kills every process.
func (ts *TestSystem) Stop() {
	for id := range ts.nodes {
		ts.Kill(id)
	}
	if ts.coord != nil && ts.coord.Process != nil {
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

func waitForService(url string) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", url)
}

func (ts *TestSystem) Placement(ctx context.Context) (coordinator.Placement, error) {
	var p coordinator.Placement
	err := cluster.GetJSON(ctx, fmt.Sprintf("%s/sessions/%d/placement", ts.coordAddr, sessionID), &p)
	return p, err
}

// TestCluster runs the registration flow end to end across processes.
func TestCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, name := range []string{"coordinator", "node"} {
		if _, err := os.Stat(filepath.Join(binDir(), name)); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s binary not found (build cmd/%s into %s)", name, name, binDir())
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	ctx := context.Background()
	client := cluster.NewCoordinatorClient(ts.coordAddr, sessionID)

	var master string
	t.Run("one master and one slave", func(t *testing.T) {
		require.Eventually(t, func() bool {
			p, err := ts.Placement(ctx)
			if err != nil || p.Master == nil || len(p.Slaves) != 1 {
				return false
			}
			master = p.Master.ID
			return true
		}, 5*time.Second, 50*time.Millisecond)

		var solvers cluster.SolversResponse
		require.NoError(t, cluster.GetJSON(ctx, ts.coordAddr+"/solvers", &solvers))
		assert.Equal(t, []int64{sessionID}, solvers.Sessions)
	})

	t.Run("enrollment reaches the slave", func(t *testing.T) {
		req, err := client.Enroll(ctx, 1, 100, &model.Enrollment{OfferingID: 1, CourseID: 10}, "")
		require.NoError(t, err)
		require.NotNil(t, req.Enrollment)

		slave := "n1"
		if master == "n1" {
			slave = "n2"
		}
		direct := cluster.NewNodeClient(ts.nodeAddrs[slave], sessionID)
		assert.Eventually(t, func() bool {
			reqs, err := direct.GetRequests(ctx, 1)
			return err == nil && len(reqs) == 1 && reqs[0].Enrollment != nil
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("pinned offerings live on the master", func(t *testing.T) {
		require.NoError(t, client.PinOffering(ctx, 2))
		pinned, err := client.ListPinned(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, pinned)
		require.NoError(t, client.UnpinOffering(ctx, 2))
	})

	t.Run("surviving node takes over", func(t *testing.T) {
		ts.Kill(master)
		require.Eventually(t, func() bool {
			p, err := ts.Placement(ctx)
			return err == nil && p.Master != nil && p.Master.ID != master
		}, 5*time.Second, 50*time.Millisecond)

		req, err := client.Enroll(ctx, 1, 100, &model.Enrollment{OfferingID: 2, CourseID: 20}, "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), req.Enrollment.OfferingID)
	})

	t.Run("restarted node rejoins as slave", func(t *testing.T) {
		require.NoError(t, ts.StartNode(master))
		require.Eventually(t, func() bool {
			p, err := ts.Placement(ctx)
			return err == nil && p.Master != nil && len(p.Slaves) == 1
		}, 5*time.Second, 50*time.Millisecond)

		var nodes struct {
			Nodes []struct {
				ID   string `json:"id"`
				Down bool   `json:"down"`
			} `json:"nodes"`
		}
		require.NoError(t, cluster.GetJSON(ctx, ts.coordAddr+"/nodes", &nodes))
		assert.Len(t, nodes.Nodes, 2)
	})
}
