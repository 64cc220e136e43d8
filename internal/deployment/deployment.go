package deployment

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hosting-service/internal/database"
	"hosting-service/internal/runtime"
)

// Deployment is one attempt to build and run a project's archive. The
// manager owns the lifecycle; the record guards its own fields so
// snapshots never race the pipeline.
type Deployment struct {
	ID        uuid.UUID
	Project   string
	Host      string
	CreatedAt time.Time

	wantsDatabase bool

	mu      sync.Mutex
	state   State
	reason  string
	port    int
	db      *database.Info
	service runtime.Service
	tarball []byte

	buildLogs   *logBuffer
	runtimeLogs *logBuffer

	// teardownOnce makes service shutdown and port release happen
	// exactly once no matter who loses the kill/promote race.
	teardownOnce sync.Once
}

// Meta is the client-visible snapshot of a deployment.
type Meta struct {
	ID          uuid.UUID      `json:"id"`
	Project     string         `json:"project"`
	State       State          `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	Host        string         `json:"host"`
	Port        int            `json:"port,omitempty"`
	Database    *database.Info `json:"database,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	BuildLogs   string         `json:"build_logs,omitempty"`
	RuntimeLogs string         `json:"runtime_logs,omitempty"`
}

func newDeployment(project, host string, wantsDatabase bool, tarball []byte) *Deployment {
	return &Deployment{
		ID:            uuid.New(),
		Project:       project,
		Host:          host,
		CreatedAt:     time.Now().UTC(),
		wantsDatabase: wantsDatabase,
		state:         StateQueued,
		tarball:       tarball,
		buildLogs:     newLogBuffer(maxLogBytes),
		runtimeLogs:   newLogBuffer(maxLogBytes),
	}
}

func (d *Deployment) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// advance moves a live deployment forward. It refuses to move a
// terminal record, so a concurrent kill wins at the next stage
// boundary.
func (d *Deployment) advance(to State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return false
	}
	d.state = to
	return true
}

func (d *Deployment) fail(reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return false
	}
	d.state = StateError
	d.reason = reason
	return true
}

// markDeleted reports the state it displaced so the caller knows
// whether a router entry or running service needs cleaning up.
func (d *Deployment) markDeleted() (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return d.state, false
	}
	prev := d.state
	d.state = StateDeleted
	return prev, true
}

func (d *Deployment) attach(svc runtime.Service, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.service = svc
	d.port = port
}

func (d *Deployment) Service() runtime.Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.service
}

func (d *Deployment) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *Deployment) setDatabase(info database.Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db = &info
}

func (d *Deployment) database() *database.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db
}

// takeTarball hands the archive to the build stage and drops the
// record's reference so accepted bytes do not outlive their use.
func (d *Deployment) takeTarball() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tarball
	d.tarball = nil
	return t
}

func (d *Deployment) Meta() Meta {
	d.mu.Lock()
	defer d.mu.Unlock()
	meta := Meta{
		ID:          d.ID,
		Project:     d.Project,
		State:       d.state,
		Reason:      d.reason,
		Host:        d.Host,
		CreatedAt:   d.CreatedAt,
		BuildLogs:   d.buildLogs.String(),
		RuntimeLogs: d.runtimeLogs.String(),
	}
	if d.state == StateDeployed {
		meta.Port = d.port
	}
	if d.db != nil {
		db := *d.db
		meta.Database = &db
	}
	return meta
}
