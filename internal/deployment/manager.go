package deployment

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hosting-service/internal/build"
	"hosting-service/internal/database"
	"hosting-service/internal/events"
	"hosting-service/internal/proxy"
	"hosting-service/internal/runtime"
	"hosting-service/internal/storage"
	"hosting-service/pkg/config"
)

// Project names become DNS labels under the host suffix.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidProjectName reports whether a name may identify a project.
func ValidProjectName(name string) bool {
	return projectNamePattern.MatchString(name)
}

// DeployRequest is an accepted archive waiting to enter the pipeline.
type DeployRequest struct {
	Project       string
	Tarball       []byte
	WantsDatabase bool
}

// Stats summarizes the manager for health reporting.
type Stats struct {
	Deployments map[State]int `json:"deployments"`
	Routes      int           `json:"routes"`
	FreePorts   int           `json:"free_ports"`
	Pending     int           `json:"pending"`
}

// Manager runs the deployment pipeline: it admits archives, builds
// and loads them on a bounded worker pool, swaps promoted services
// into the router, and tears down whatever they replace. Deploys for
// the same project are serialized in arrival order; deploys for
// different projects only contend for workers.
type Manager struct {
	log         *zap.Logger
	builder     build.System
	loader      runtime.Loader
	provisioner database.Provisioner // nil when provisioning is disabled
	archives    storage.Store        // nil when archive retention is disabled
	broker      *events.Broker
	router      *proxy.Router
	registry    *Registry
	ports       *portPool

	hostSuffix  string
	serviceHost string
	dbHost      string
	stopGrace   time.Duration
	strictClaim bool
	workerCount int
	capacity    int

	mu       sync.Mutex
	pending  int                      // accepted attempts not yet finished
	inflight map[string]bool          // project has a worker draining its queue
	waiting  map[string][]*Deployment // per-project FIFO of accepted attempts
	routed   map[string]uuid.UUID     // which attempt owns the project's route
	jobs     chan string

	workers  sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func NewManager(
	cfg *config.Config,
	builder build.System,
	loader runtime.Loader,
	provisioner database.Provisioner,
	archives storage.Store,
	broker *events.Broker,
	router *proxy.Router,
	log *zap.Logger,
) *Manager {
	capacity := cfg.MaxDeploys + cfg.QueueDepth
	return &Manager{
		log:         log,
		builder:     builder,
		loader:      loader,
		provisioner: provisioner,
		archives:    archives,
		broker:      broker,
		router:      router,
		registry:    NewRegistry(),
		ports:       newPortPool(cfg.PortRangeFrom, cfg.PortRangeTo),
		hostSuffix:  cfg.HostSuffix,
		serviceHost: cfg.ServiceHost,
		dbHost:      cfg.PostgresTenantHost,
		stopGrace:   cfg.StopGrace,
		strictClaim: cfg.StrictProjectClaim,
		workerCount: cfg.MaxDeploys,
		capacity:    capacity,
		inflight:    make(map[string]bool),
		waiting:     make(map[string][]*Deployment),
		routed:      make(map[string]uuid.UUID),
		// One slot per admitted attempt, so sends under the lock
		// never block.
		jobs:     make(chan string, capacity),
		shutdown: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.workerCount; i++ {
		m.workers.Add(1)
		go m.worker()
	}
	m.log.Info("deployment manager started",
		zap.Int("workers", m.workerCount),
		zap.Int("capacity", m.capacity),
		zap.Int("ports", m.ports.Available()))
}

// Deploy validates and admits an archive. It returns once the attempt
// is queued; progress is reported through the registry and the event
// broker, not the deploy call.
func (m *Manager) Deploy(req DeployRequest) (Meta, error) {
	if !projectNamePattern.MatchString(req.Project) {
		return Meta{}, fmt.Errorf("%w: invalid project name %q", ErrBadRequest, req.Project)
	}
	if err := build.ValidateArchive(req.Tarball); err != nil {
		return Meta{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	m.mu.Lock()
	select {
	case <-m.shutdown:
		m.mu.Unlock()
		return Meta{}, fmt.Errorf("%w: shutting down", ErrUnavailable)
	default:
	}
	if m.strictClaim {
		if cur, ok := m.registry.Active(req.Project); ok && !cur.State().Terminal() {
			m.mu.Unlock()
			return Meta{}, fmt.Errorf("%w: %s", ErrProjectExists, req.Project)
		}
	}
	if m.pending >= m.capacity {
		m.mu.Unlock()
		return Meta{}, fmt.Errorf("%w: deploy pipeline is full", ErrUnavailable)
	}

	d := newDeployment(req.Project, req.Project+"."+m.hostSuffix, req.WantsDatabase, req.Tarball)
	m.registry.Insert(d)
	m.pending++
	m.waiting[req.Project] = append(m.waiting[req.Project], d)
	if !m.inflight[req.Project] {
		m.inflight[req.Project] = true
		m.jobs <- req.Project
	}
	meta := d.Meta()
	m.mu.Unlock()

	m.publishState(d, StateQueued)
	m.log.Info("deployment accepted",
		zap.String("deployment_id", d.ID.String()),
		zap.String("project", d.Project),
		zap.Int("bytes", len(req.Tarball)))
	if m.archives != nil {
		go m.retainArchive(d.Project, d.ID.String(), req.Tarball)
	}
	return meta, nil
}

// GetByID returns a snapshot of any deployment ever accepted.
func (m *Manager) GetByID(id uuid.UUID) (Meta, error) {
	d, ok := m.registry.Get(id)
	if !ok {
		return Meta{}, ErrNotFound
	}
	return d.Meta(), nil
}

// GetActive returns the deployment currently answering for a project:
// the newest live attempt, or the newest terminal record when the last
// attempt failed or was killed.
func (m *Manager) GetActive(project string) (Meta, error) {
	d, ok := m.registry.Active(project)
	if !ok {
		return Meta{}, ErrNotFound
	}
	return d.Meta(), nil
}

// Kill terminates a deployment. Killing an already terminal record is
// a no-op that returns its snapshot, so deletes are idempotent. The
// route disappears immediately; service shutdown and port release run
// in the background, bounded by the stop grace.
func (m *Manager) Kill(id uuid.UUID) (Meta, error) {
	m.mu.Lock()
	d, ok := m.registry.Get(id)
	if !ok {
		m.mu.Unlock()
		return Meta{}, ErrNotFound
	}
	prev, changed := d.markDeleted()
	if !changed {
		meta := d.Meta()
		m.mu.Unlock()
		return meta, nil
	}
	if prev == StateDeployed && m.routed[d.Project] == d.ID {
		m.router.Remove(d.Host)
		delete(m.routed, d.Project)
	}
	meta := d.Meta()
	m.mu.Unlock()

	m.publishState(d, StateDeleted)
	m.log.Info("deployment killed",
		zap.String("deployment_id", d.ID.String()),
		zap.String("project", d.Project),
		zap.String("was", prev.String()))
	go m.teardown(d)
	return meta, nil
}

// KillActive kills the deployment currently answering for a project.
// A live deployment is preferred over newer terminal attempts, so
// deleting a project tears down its running service even when the
// latest replace attempt errored.
func (m *Manager) KillActive(project string) (Meta, error) {
	d, ok := m.registry.Active(project)
	if !ok {
		return Meta{}, ErrNotFound
	}
	return m.Kill(d.ID)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	return Stats{
		Deployments: m.registry.CountByState(),
		Routes:      m.router.Len(),
		FreePorts:   m.ports.Available(),
		Pending:     pending,
	}
}

// Shutdown stops accepting deploys, waits for workers to finish their
// current attempt, then tears down every service still running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.shutdown) })

	idle := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	var wg sync.WaitGroup
	for _, d := range m.registry.All() {
		if d.Service() == nil {
			continue
		}
		d.markDeleted()
		wg.Add(1)
		go func(d *Deployment) {
			defer wg.Done()
			m.teardown(d)
		}(d)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.workers.Done()
	for {
		select {
		case <-m.shutdown:
			return
		case project := <-m.jobs:
			m.drain(project)
		}
	}
}

// drain runs a project's queued attempts in arrival order. Only one
// worker drains a given project at a time, which is what serializes
// deploys per project.
func (m *Manager) drain(project string) {
	for {
		select {
		case <-m.shutdown:
			return
		default:
		}

		m.mu.Lock()
		queue := m.waiting[project]
		if len(queue) == 0 {
			delete(m.inflight, project)
			delete(m.waiting, project)
			m.mu.Unlock()
			return
		}
		d := queue[0]
		m.waiting[project] = queue[1:]
		m.mu.Unlock()

		m.run(d)

		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}
}

// run takes one deployment through build, load and promote. Each
// stage boundary rechecks for a concurrent kill.
func (m *Manager) run(d *Deployment) {
	if d.State().Terminal() {
		return
	}
	ctx := context.Background()

	buildLogs := io.MultiWriter(d.buildLogs, eventWriter{
		broker: m.broker, id: d.ID.String(), project: d.Project, typ: events.TypeBuildLog,
	})
	artifact, err := m.builder.Build(ctx, d.Project, d.takeTarball(), buildLogs)
	if err != nil {
		m.failDeployment(d, err.Error())
		return
	}
	if !m.transition(d, StateBuilt) {
		os.RemoveAll(artifact.Dir)
		return
	}

	port, err := m.ports.Acquire()
	if err != nil {
		m.failDeployment(d, err.Error())
		return
	}
	fac := &factory{
		deployment:  d,
		provisioner: m.provisioner,
		dbHost:      m.dbHost,
		logs: io.MultiWriter(d.runtimeLogs, eventWriter{
			broker: m.broker, id: d.ID.String(), project: d.Project, typ: events.TypeRuntimeLog,
		}),
	}
	svc, err := m.loader.Load(ctx, artifact, port, fac)
	if err != nil {
		m.ports.Release(port)
		m.failDeployment(d, err.Error())
		return
	}
	d.attach(svc, port)
	if !m.transition(d, StateLoaded) {
		m.teardown(d)
		return
	}

	m.promote(d)
}

// promote swaps the service into the router. Updating the route and
// retiring the previous deployment happen under one lock, so a
// project's host always resolves to the old service or the new one,
// never to nothing.
func (m *Manager) promote(d *Deployment) {
	target := net.JoinHostPort(m.serviceHost, strconv.Itoa(d.Port()))

	m.mu.Lock()
	if !d.advance(StateDeployed) {
		m.mu.Unlock()
		m.teardown(d)
		return
	}
	var old *Deployment
	if prevID, ok := m.routed[d.Project]; ok && prevID != d.ID {
		if prev, found := m.registry.Get(prevID); found {
			if _, changed := prev.markDeleted(); changed {
				old = prev
			}
		}
	}
	m.router.Upsert(d.Host, target)
	m.routed[d.Project] = d.ID
	m.mu.Unlock()

	m.publishState(d, StateDeployed)
	m.log.Info("deployment promoted",
		zap.String("deployment_id", d.ID.String()),
		zap.String("project", d.Project),
		zap.String("host", d.Host),
		zap.String("target", target))
	if old != nil {
		m.publishState(old, StateDeleted)
		m.log.Info("previous deployment retired",
			zap.String("deployment_id", old.ID.String()),
			zap.String("project", old.Project))
		go m.teardown(old)
	}
}

// teardown stops a deployment's service and returns its port. The
// once guard means kill, promote and shutdown can all request it
// without double-releasing the port.
func (m *Manager) teardown(d *Deployment) {
	if d.Service() == nil {
		return
	}
	d.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.stopGrace+5*time.Second)
		defer cancel()
		if err := d.Service().Shutdown(ctx); err != nil {
			m.log.Warn("service shutdown failed",
				zap.String("deployment_id", d.ID.String()),
				zap.String("project", d.Project),
				zap.Error(err))
		}
		m.ports.Release(d.Port())
	})
}

func (m *Manager) transition(d *Deployment, to State) bool {
	if !d.advance(to) {
		return false
	}
	m.publishState(d, to)
	return true
}

func (m *Manager) failDeployment(d *Deployment, reason string) {
	if !d.fail(reason) {
		return
	}
	m.publishState(d, StateError)
	m.log.Warn("deployment failed",
		zap.String("deployment_id", d.ID.String()),
		zap.String("project", d.Project),
		zap.String("reason", reason))
}

func (m *Manager) publishState(d *Deployment, st State) {
	m.broker.Publish(events.Event{
		DeploymentID: d.ID.String(),
		Project:      d.Project,
		Type:         events.TypeState,
		State:        st.String(),
	})
}

// retainArchive stores the accepted tarball for later inspection.
// Retention is best effort: a storage failure never fails the deploy.
func (m *Manager) retainArchive(project, id string, tarball []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.archives.Put(ctx, project, id, tarball); err != nil {
		m.log.Warn("archive retention failed",
			zap.String("deployment_id", id),
			zap.String("project", project),
			zap.Error(err))
	}
}
