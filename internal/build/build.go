package build

import (
	"context"
	"io"
)

// Artifact locates a built, runnable service on disk.
type Artifact struct {
	// Dir is the unpacked working tree the service runs from.
	Dir string
	// Entrypoint is the absolute path of the executable to launch.
	Entrypoint string
}

// System turns an uploaded archive into a runnable artifact. Build
// output is streamed to logs as it is produced.
type System interface {
	Build(ctx context.Context, project string, tarball []byte, logs io.Writer) (*Artifact, error)
}
