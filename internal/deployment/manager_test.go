package deployment

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hosting-service/internal/build"
	"hosting-service/internal/events"
	"hosting-service/internal/proxy"
	"hosting-service/internal/runtime"
	"hosting-service/pkg/config"
)

// fakeBuilder records build order and can block or fail per project.
type fakeBuilder struct {
	t *testing.T

	mu      sync.Mutex
	started []string
	block   chan struct{}
	failFor map[string]string
}

func (b *fakeBuilder) Build(_ context.Context, project string, tarball []byte, logs io.Writer) (*build.Artifact, error) {
	if err := build.ValidateArchive(tarball); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.started = append(b.started, project)
	block := b.block
	fail := b.failFor[project]
	b.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail != "" {
		return nil, errors.New(fail)
	}
	fmt.Fprintf(logs, "building %s\n", project)
	return &build.Artifact{Dir: b.t.TempDir(), Entrypoint: "app"}, nil
}

func (b *fakeBuilder) builds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

type fakeService struct {
	port    int
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *fakeService) Port() int { return s.port }

func (s *fakeService) Shutdown(context.Context) error {
	s.once.Do(func() {
		close(s.stopped)
		close(s.done)
	})
	return nil
}

func (s *fakeService) Done() <-chan struct{} { return s.done }

func (s *fakeService) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// fakeLoader hands out fakeServices and remembers them per project.
type fakeLoader struct {
	mu       sync.Mutex
	services map[string][]*fakeService
	failFor  map[string]string
}

func (l *fakeLoader) Load(_ context.Context, _ *build.Artifact, port int, factory runtime.Factory) (runtime.Service, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg := l.failFor[factory.Project()]; msg != "" {
		return nil, errors.New(msg)
	}
	fmt.Fprintln(factory.Logs(), "listening")
	svc := &fakeService{
		port:    port,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	l.services[factory.Project()] = append(l.services[factory.Project()], svc)
	return svc, nil
}

func (l *fakeLoader) loaded(project string) []*fakeService {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeService(nil), l.services[project]...)
}

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *fakeBuilder, *fakeLoader, *proxy.Router) {
	t.Helper()
	cfg := &config.Config{
		HostSuffix:         "test.dev",
		ServiceHost:        "127.0.0.1",
		MaxDeploys:         2,
		QueueDepth:         8,
		PortRangeFrom:      9000,
		PortRangeTo:        9009,
		StopGrace:          time.Second,
		PostgresTenantHost: "localhost",
	}
	if mutate != nil {
		mutate(cfg)
	}

	builder := &fakeBuilder{t: t, failFor: map[string]string{}}
	loader := &fakeLoader{services: map[string][]*fakeService{}, failFor: map[string]string{}}
	broker := events.NewBroker(zap.NewNop())
	broker.Start()
	t.Cleanup(broker.Stop)
	router := proxy.NewRouter()

	m := NewManager(cfg, builder, loader, nil, nil, broker, router, zap.NewNop())
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, builder, loader, router
}

func testArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	data := []byte("#!/bin/sh\nsleep 60\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "app", Mode: 0o755, Size: int64(len(data))}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func waitState(t *testing.T, m *Manager, id uuid.UUID, want State) Meta {
	t.Helper()
	var meta Meta
	require.Eventually(t, func() bool {
		var err error
		meta, err = m.GetByID(id)
		return err == nil && meta.State == want
	}, 5*time.Second, 10*time.Millisecond, "deployment never reached %s", want)
	return meta
}

func TestDeployHappyPath(t *testing.T) {
	m, _, loader, router := newTestManager(t, nil)

	accepted, err := m.Deploy(DeployRequest{Project: "alpha", Tarball: testArchive(t)})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, accepted.State)
	assert.Equal(t, "alpha.test.dev", accepted.Host)

	meta := waitState(t, m, accepted.ID, StateDeployed)
	assert.Equal(t, 9000, meta.Port)
	assert.Contains(t, meta.BuildLogs, "building alpha")
	assert.Contains(t, meta.RuntimeLogs, "listening")

	target, ok := router.Lookup("alpha.test.dev")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9000", target)

	active, err := m.GetActive("alpha")
	require.NoError(t, err)
	assert.Equal(t, accepted.ID, active.ID)

	svcs := loader.loaded("alpha")
	require.Len(t, svcs, 1)
	assert.False(t, svcs[0].isStopped())
}

func TestDeployRejectsBadInput(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	for _, name := range []string{"", "Alpha", "-dash", "under_score", "a.b"} {
		_, err := m.Deploy(DeployRequest{Project: name, Tarball: testArchive(t)})
		assert.ErrorIs(t, err, ErrBadRequest, "name %q", name)
	}

	_, err := m.Deploy(DeployRequest{Project: "alpha", Tarball: []byte("not an archive")})
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.ErrorIs(t, err, build.ErrInvalidArchive)
}

func TestBuildFailureLeavesErrorRecord(t *testing.T) {
	m, builder, _, router := newTestManager(t, nil)
	builder.failFor["broken"] = "compile error"

	accepted, err := m.Deploy(DeployRequest{Project: "broken", Tarball: testArchive(t)})
	require.NoError(t, err)

	meta := waitState(t, m, accepted.ID, StateError)
	assert.Equal(t, "compile error", meta.Reason)

	// The failed record stays addressable by project.
	active, err := m.GetActive("broken")
	require.NoError(t, err)
	assert.Equal(t, StateError, active.State)

	_, ok := router.Lookup("broken.test.dev")
	assert.False(t, ok)
	assert.Equal(t, 10, m.ports.Available())
}

func TestLoadFailureReleasesPort(t *testing.T) {
	m, _, loader, router := newTestManager(t, nil)
	loader.failFor["crash"] = "service exited before accepting connections"

	accepted, err := m.Deploy(DeployRequest{Project: "crash", Tarball: testArchive(t)})
	require.NoError(t, err)

	meta := waitState(t, m, accepted.ID, StateError)
	assert.Contains(t, meta.Reason, "exited before accepting")

	_, ok := router.Lookup("crash.test.dev")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return m.ports.Available() == 10
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRollingReplace(t *testing.T) {
	m, _, loader, router := newTestManager(t, nil)

	first, err := m.Deploy(DeployRequest{Project: "web", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, first.ID, StateDeployed)

	second, err := m.Deploy(DeployRequest{Project: "web", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, second.ID, StateDeployed)

	target, ok := router.Lookup("web.test.dev")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9001", target)

	// The first deployment is retired and its service stopped.
	old, err := m.GetByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, old.State)

	svcs := loader.loaded("web")
	require.Len(t, svcs, 2)
	require.Eventually(t, func() bool { return svcs[0].isStopped() }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, svcs[1].isStopped())

	// The old port returns to the pool once shutdown completes.
	require.Eventually(t, func() bool {
		return m.ports.Available() == 9
	}, 5*time.Second, 10*time.Millisecond)

	active, err := m.GetActive("web")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestFailedReplaceKeepsPredecessorServing(t *testing.T) {
	m, builder, loader, router := newTestManager(t, nil)

	first, err := m.Deploy(DeployRequest{Project: "web", Tarball: testArchive(t)})
	require.NoError(t, err)
	firstMeta := waitState(t, m, first.ID, StateDeployed)

	builder.mu.Lock()
	builder.failFor["web"] = "compile error"
	builder.mu.Unlock()

	second, err := m.Deploy(DeployRequest{Project: "web", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, second.ID, StateError)

	// The running deployment still answers for the project and keeps
	// its route.
	active, err := m.GetActive("web")
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	target, ok := router.Lookup("web.test.dev")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", firstMeta.Port), target)
	assert.False(t, loader.loaded("web")[0].isStopped())

	// Deleting the project tears down the survivor, not the dead
	// replacement attempt.
	killed, err := m.KillActive("web")
	require.NoError(t, err)
	assert.Equal(t, first.ID, killed.ID)
	_, ok = router.Lookup("web.test.dev")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return loader.loaded("web")[0].isStopped()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineFullRejectsDeploys(t *testing.T) {
	m, builder, _, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.MaxDeploys = 2
		cfg.QueueDepth = 0
	})
	builder.block = make(chan struct{})

	one, err := m.Deploy(DeployRequest{Project: "one", Tarball: testArchive(t)})
	require.NoError(t, err)
	two, err := m.Deploy(DeployRequest{Project: "two", Tarball: testArchive(t)})
	require.NoError(t, err)

	_, err = m.Deploy(DeployRequest{Project: "three", Tarball: testArchive(t)})
	assert.ErrorIs(t, err, ErrUnavailable)

	close(builder.block)
	waitState(t, m, one.ID, StateDeployed)
	waitState(t, m, two.ID, StateDeployed)

	// Capacity frees up once the pipeline drains.
	three, err := m.Deploy(DeployRequest{Project: "three", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, three.ID, StateDeployed)
}

func TestKillReleasesPortAndRoute(t *testing.T) {
	m, _, loader, router := newTestManager(t, func(cfg *config.Config) {
		cfg.PortRangeFrom = 9100
		cfg.PortRangeTo = 9100
	})

	accepted, err := m.Deploy(DeployRequest{Project: "solo", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, accepted.ID, StateDeployed)

	meta, err := m.Kill(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, meta.State)

	// The route disappears immediately, not when shutdown finishes.
	_, ok := router.Lookup("solo.test.dev")
	assert.False(t, ok)

	svcs := loader.loaded("solo")
	require.Len(t, svcs, 1)
	require.Eventually(t, func() bool { return svcs[0].isStopped() }, 5*time.Second, 10*time.Millisecond)

	// Killing again is a no-op returning the same snapshot.
	again, err := m.Kill(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, again.State)

	// The single port is reusable by the next deploy.
	next, err := m.Deploy(DeployRequest{Project: "next", Tarball: testArchive(t)})
	require.NoError(t, err)
	meta = waitState(t, m, next.ID, StateDeployed)
	assert.Equal(t, 9100, meta.Port)
}

func TestProjectsAreIsolated(t *testing.T) {
	m, _, loader, router := newTestManager(t, nil)

	alpha, err := m.Deploy(DeployRequest{Project: "alpha", Tarball: testArchive(t)})
	require.NoError(t, err)
	beta, err := m.Deploy(DeployRequest{Project: "beta", Tarball: testArchive(t)})
	require.NoError(t, err)
	alphaMeta := waitState(t, m, alpha.ID, StateDeployed)
	betaMeta := waitState(t, m, beta.ID, StateDeployed)
	assert.NotEqual(t, alphaMeta.Port, betaMeta.Port)

	_, err = m.KillActive("alpha")
	require.NoError(t, err)

	_, ok := router.Lookup("alpha.test.dev")
	assert.False(t, ok)
	target, ok := router.Lookup("beta.test.dev")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", betaMeta.Port), target)
	assert.False(t, loader.loaded("beta")[0].isStopped())
}

func TestDeploysSerializePerProject(t *testing.T) {
	m, builder, _, _ := newTestManager(t, nil)
	builder.block = make(chan struct{})

	first, err := m.Deploy(DeployRequest{Project: "app", Tarball: testArchive(t)})
	require.NoError(t, err)
	second, err := m.Deploy(DeployRequest{Project: "app", Tarball: testArchive(t)})
	require.NoError(t, err)
	other, err := m.Deploy(DeployRequest{Project: "other", Tarball: testArchive(t)})
	require.NoError(t, err)

	// Both projects enter a build, but the second deploy of "app"
	// must wait behind the first even with a worker idle.
	require.Eventually(t, func() bool {
		return len(builder.builds()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"app", "other"}, builder.builds())
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, builder.builds(), 2)

	close(builder.block)
	waitState(t, m, first.ID, StateDeleted)
	waitState(t, m, second.ID, StateDeployed)
	waitState(t, m, other.ID, StateDeployed)

	active, err := m.GetActive("app")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestKillDuringBuildDiscardsDeployment(t *testing.T) {
	m, builder, loader, router := newTestManager(t, nil)
	builder.block = make(chan struct{})

	accepted, err := m.Deploy(DeployRequest{Project: "doomed", Tarball: testArchive(t)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(builder.builds()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	meta, err := m.Kill(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, meta.State)

	close(builder.block)
	time.Sleep(100 * time.Millisecond)

	// The finished build is discarded, never loaded or routed.
	final, err := m.GetByID(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, final.State)
	assert.Empty(t, loader.loaded("doomed"))
	_, ok := router.Lookup("doomed.test.dev")
	assert.False(t, ok)
	assert.Equal(t, 10, m.ports.Available())
}

func TestStrictClaimRejectsLiveProject(t *testing.T) {
	m, _, _, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.StrictProjectClaim = true
	})

	first, err := m.Deploy(DeployRequest{Project: "mine", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, first.ID, StateDeployed)

	_, err = m.Deploy(DeployRequest{Project: "mine", Tarball: testArchive(t)})
	assert.ErrorIs(t, err, ErrProjectExists)

	_, err = m.KillActive("mine")
	require.NoError(t, err)

	second, err := m.Deploy(DeployRequest{Project: "mine", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, second.ID, StateDeployed)
}

func TestPortExhaustionFailsDeploy(t *testing.T) {
	m, _, _, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.PortRangeFrom = 9200
		cfg.PortRangeTo = 9200
	})

	holder, err := m.Deploy(DeployRequest{Project: "holder", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, holder.ID, StateDeployed)

	starved, err := m.Deploy(DeployRequest{Project: "starved", Tarball: testArchive(t)})
	require.NoError(t, err)
	meta := waitState(t, m, starved.ID, StateError)
	assert.Equal(t, "no free service ports", meta.Reason)

	// Killing the holder frees the port for the next attempt.
	_, err = m.Kill(holder.ID)
	require.NoError(t, err)
	retry, err := m.Deploy(DeployRequest{Project: "starved", Tarball: testArchive(t)})
	require.NoError(t, err)
	meta = waitState(t, m, retry.ID, StateDeployed)
	assert.Equal(t, 9200, meta.Port)
}

func TestLookupUnknown(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	_, err := m.GetByID(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetActive("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Kill(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.KillActive("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsReflectPipeline(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	accepted, err := m.Deploy(DeployRequest{Project: "alpha", Tarball: testArchive(t)})
	require.NoError(t, err)
	waitState(t, m, accepted.ID, StateDeployed)

	require.Eventually(t, func() bool {
		return m.Stats().Pending == 0
	}, 5*time.Second, 10*time.Millisecond)
	stats := m.Stats()
	assert.Equal(t, 1, stats.Deployments[StateDeployed])
	assert.Equal(t, 1, stats.Routes)
	assert.Equal(t, 9, stats.FreePorts)
}

func TestConcurrentDeployAndKillConverge(t *testing.T) {
	m, _, _, router := newTestManager(t, func(cfg *config.Config) {
		cfg.MaxDeploys = 3
		cfg.QueueDepth = 6
		cfg.PortRangeFrom = 9300
		cfg.PortRangeTo = 9315
	})

	projects := []string{"stress-a", "stress-b", "stress-c", "stress-d"}
	tarball := testArchive(t)

	var wg sync.WaitGroup
	for _, project := range projects {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := m.Deploy(DeployRequest{Project: project, Tarball: tarball}); err != nil {
					assert.ErrorIs(t, err, ErrUnavailable)
				}
				time.Sleep(time.Millisecond)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				time.Sleep(3 * time.Millisecond)
				if _, err := m.KillActive(project); err != nil {
					assert.ErrorIs(t, err, ErrNotFound)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return m.Stats().Pending == 0
	}, 10*time.Second, 10*time.Millisecond)

	// However the calls interleave, a drained pipeline leaves at most
	// one live deployment per project.
	live := map[string][]*Deployment{}
	for _, d := range m.registry.All() {
		if !d.State().Terminal() {
			live[d.Project] = append(live[d.Project], d)
		}
	}
	for project, ds := range live {
		assert.Len(t, ds, 1, "live deployments for %s", project)
	}

	// Routes exist exactly for the live deployments and point at their
	// ports, with no port assigned twice.
	routes := 0
	held := map[int]string{}
	for _, project := range projects {
		target, ok := router.Lookup(project + ".test.dev")
		if len(live[project]) == 0 {
			assert.False(t, ok, "stale route for %s", project)
			continue
		}
		routes++
		require.True(t, ok, "missing route for %s", project)
		meta := live[project][0].Meta()
		assert.Equal(t, StateDeployed, meta.State)
		assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", meta.Port), target)
		assert.NotContains(t, held, meta.Port, "port %d assigned twice", meta.Port)
		held[meta.Port] = project
	}
	assert.Equal(t, routes, router.Len())

	// Every port not held by a live deployment drains back to the pool.
	require.Eventually(t, func() bool {
		return m.ports.Available() == 16-len(held)
	}, 10*time.Second, 10*time.Millisecond)
}
