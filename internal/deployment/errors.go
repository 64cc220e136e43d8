package deployment

import "errors"

// Classified failures the API layer maps onto response codes.
var (
	// ErrNotFound means no deployment or project matches the request.
	ErrNotFound = errors.New("deployment not found")

	// ErrUnavailable means the pipeline cannot accept more work right
	// now. Clients should retry later.
	ErrUnavailable = errors.New("service unavailable")

	// ErrBadRequest means the request itself is malformed, for example
	// an invalid project name or an archive that is not a gzipped tar.
	ErrBadRequest = errors.New("bad request")

	// ErrProjectExists is returned in strict claim mode when a project
	// already has a live deployment that was never killed.
	ErrProjectExists = errors.New("project already has a live deployment")
)
