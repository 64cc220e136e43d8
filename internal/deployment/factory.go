package deployment

import (
	"context"
	"errors"
	"io"

	"hosting-service/internal/database"
)

// factory gives a loading service access to the resources its
// deployment asked for. GetDatabase provisions lazily on first call
// and caches the result on the record, so redeploys of the same
// project keep their database.
type factory struct {
	deployment  *Deployment
	provisioner database.Provisioner
	dbHost      string
	logs        io.Writer
}

func (f *factory) Project() string {
	return f.deployment.Project
}

func (f *factory) DatabaseRequested() bool {
	return f.deployment.wantsDatabase
}

func (f *factory) GetDatabase(ctx context.Context) (database.Info, error) {
	if info := f.deployment.database(); info != nil {
		return *info, nil
	}
	if f.provisioner == nil {
		return database.Info{}, errors.New("database provisioning is not configured")
	}
	info, err := f.provisioner.Provision(ctx, f.deployment.Project)
	if err != nil {
		return database.Info{}, err
	}
	f.deployment.setDatabase(info)
	return info, nil
}

func (f *factory) DatabaseHost() string {
	return f.dbHost
}

func (f *factory) Logs() io.Writer {
	return f.logs
}
