package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"hosting-service/internal/build"
)

// Inside the container every service listens on the same port; the
// host side of the binding carries the assigned one.
const containerPort nat.Port = "8000/tcp"

// DockerLoader runs artifacts inside containers of a fixed base
// image, with the built tree bind-mounted at /app. Stronger
// isolation than plain processes at the cost of a local Docker
// daemon.
type DockerLoader struct {
	cli          *client.Client
	image        string
	memory       int64
	host         string
	readyTimeout time.Duration
	stopGrace    time.Duration
	log          *zap.Logger
}

func NewDockerLoader(image string, memory int64, host string, readyTimeout, stopGrace time.Duration, log *zap.Logger) (*DockerLoader, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach Docker daemon: %w", err)
	}

	return &DockerLoader{
		cli:          cli,
		image:        image,
		memory:       memory,
		host:         host,
		readyTimeout: readyTimeout,
		stopGrace:    stopGrace,
		log:          log,
	}, nil
}

func (l *DockerLoader) Load(ctx context.Context, artifact *build.Artifact, port int, factory Factory) (Service, error) {
	env := []string{
		"PORT=" + containerPort.Port(),
		"HOST=0.0.0.0",
	}
	if factory.DatabaseRequested() {
		info, err := factory.GetDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to provision database: %w", err)
		}
		env = append(env, "DATABASE_URL="+info.ConnectionString(factory.DatabaseHost()))
	}

	containerConfig := &container.Config{
		Image:      l.image,
		Cmd:        []string{"/app/" + filepath.Base(artifact.Entrypoint)},
		WorkingDir: "/app",
		Env:        env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			"hosting.project": factory.Project(),
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{artifact.Dir + ":/app"},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{
				HostIP:   l.host,
				HostPort: strconv.Itoa(port),
			}},
		},
		Resources: container.Resources{
			Memory: l.memory,
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	name := fmt.Sprintf("hosting-%s-%d", factory.Project(), port)
	resp, err := l.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	svc := &dockerService{
		cli:       l.cli,
		id:        resp.ID,
		port:      port,
		stopGrace: l.stopGrace,
		done:      make(chan struct{}),
		log:       l.log,
	}
	go svc.watch()
	go svc.streamLogs(factory)

	l.log.Debug("container started",
		zap.String("project", factory.Project()),
		zap.String("container_id", resp.ID[:12]),
		zap.Int("port", port),
	)

	if err := waitReady(ctx, l.host, port, l.readyTimeout, svc.done); err != nil {
		svc.Shutdown(context.Background())
		return nil, err
	}
	return svc, nil
}

type dockerService struct {
	cli       *client.Client
	id        string
	port      int
	stopGrace time.Duration
	done      chan struct{}
	log       *zap.Logger

	stopOnce sync.Once
}

func (s *dockerService) Port() int {
	return s.port
}

func (s *dockerService) Done() <-chan struct{} {
	return s.done
}

func (s *dockerService) watch() {
	statusCh, errCh := s.cli.ContainerWait(context.Background(), s.id, container.WaitConditionNotRunning)
	select {
	case <-statusCh:
	case <-errCh:
	}
	close(s.done)
}

func (s *dockerService) streamLogs(factory Factory) {
	reader, err := s.cli.ContainerLogs(context.Background(), s.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		s.log.Warn("failed to attach to container logs", zap.Error(err))
		return
	}
	defer reader.Close()

	// Docker multiplexes stdout and stderr into one stream.
	stdcopy.StdCopy(factory.Logs(), factory.Logs(), reader)
}

func (s *dockerService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		timeout := int(s.stopGrace.Seconds())
		if err := s.cli.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout}); err != nil {
			s.log.Warn("failed to stop container", zap.String("container_id", s.id[:12]), zap.Error(err))
		}
		if err := s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			s.log.Warn("failed to remove container", zap.String("container_id", s.id[:12]), zap.Error(err))
		}
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
