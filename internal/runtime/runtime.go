package runtime

import (
	"context"
	"io"

	"hosting-service/internal/build"
	"hosting-service/internal/database"
)

// Service is a running tenant workload.
type Service interface {
	// Port the service accepts connections on.
	Port() int
	// Shutdown stops the service: a graceful stop first, a kill
	// once the grace period runs out. It returns after the service
	// has observably exited and is safe to call more than once.
	Shutdown(ctx context.Context) error
	// Done is closed when the service exits, for any reason.
	Done() <-chan struct{}
}

// Factory hands a loading deployment the resources it declared at
// deploy time. Database provisioning is lazy: nothing is created
// until the first GetDatabase call, and repeat calls return the same
// credentials.
type Factory interface {
	Project() string
	DatabaseRequested() bool
	GetDatabase(ctx context.Context) (database.Info, error)
	// DatabaseHost is the address tenants reach PostgreSQL on.
	DatabaseHost() string
	// Logs receives everything the service writes to stdout/stderr.
	Logs() io.Writer
}

// Loader starts a built artifact on an assigned port and waits until
// it accepts connections.
type Loader interface {
	Load(ctx context.Context, artifact *build.Artifact, port int, factory Factory) (Service, error)
}
