package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hosting-service/internal/build"
)

// ProcessLoader runs artifacts as plain child processes on the
// control plane host. The service learns its socket through the
// PORT, HOST and ADDRESS environment variables, and DATABASE_URL
// when it asked for a database.
type ProcessLoader struct {
	host         string
	readyTimeout time.Duration
	stopGrace    time.Duration
	log          *zap.Logger
}

func NewProcessLoader(host string, readyTimeout, stopGrace time.Duration, log *zap.Logger) *ProcessLoader {
	return &ProcessLoader{
		host:         host,
		readyTimeout: readyTimeout,
		stopGrace:    stopGrace,
		log:          log,
	}
}

func (l *ProcessLoader) Load(ctx context.Context, artifact *build.Artifact, port int, factory Factory) (Service, error) {
	env := append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"HOST="+l.host,
		"ADDRESS="+net.JoinHostPort(l.host, strconv.Itoa(port)),
	)

	if factory.DatabaseRequested() {
		info, err := factory.GetDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to provision database: %w", err)
		}
		env = append(env, "DATABASE_URL="+info.ConnectionString(factory.DatabaseHost()))
	}

	cmd := exec.Command(artifact.Entrypoint)
	cmd.Dir = artifact.Dir
	cmd.Env = env
	cmd.Stdout = factory.Logs()
	cmd.Stderr = factory.Logs()
	// Own process group, so shutdown reaches whatever the
	// entrypoint spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start service: %w", err)
	}

	svc := &process{
		cmd:       cmd,
		port:      port,
		stopGrace: l.stopGrace,
		done:      make(chan struct{}),
		log:       l.log,
	}
	go func() {
		cmd.Wait()
		close(svc.done)
	}()

	l.log.Debug("service process started",
		zap.String("project", factory.Project()),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port),
	)

	if err := waitReady(ctx, l.host, port, l.readyTimeout, svc.done); err != nil {
		svc.Shutdown(context.Background())
		return nil, err
	}
	return svc, nil
}

type process struct {
	cmd       *exec.Cmd
	port      int
	stopGrace time.Duration
	done      chan struct{}
	log       *zap.Logger

	stopOnce sync.Once
}

func (p *process) Port() int {
	return p.port
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		pgid := -p.cmd.Process.Pid
		syscall.Kill(pgid, syscall.SIGTERM)

		select {
		case <-p.done:
			return
		case <-time.After(p.stopGrace):
			p.log.Warn("service ignored SIGTERM, killing",
				zap.Int("pid", p.cmd.Process.Pid),
			)
		case <-ctx.Done():
		}
		syscall.Kill(pgid, syscall.SIGKILL)
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
