package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/archive"
	"go.uber.org/zap"
)

const entrypointName = "app"

// FsBuildSystem unpacks archives under a working directory and, when
// the archive ships a build script, runs it with the unpacked tree
// as its working directory. Either way the build must leave an
// executable named "app" at the tree root.
type FsBuildSystem struct {
	dir     string
	script  string
	timeout time.Duration
	log     *zap.Logger
}

func NewFsBuildSystem(dir, script string, timeout time.Duration, log *zap.Logger) (*FsBuildSystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	return &FsBuildSystem{
		dir:     dir,
		script:  script,
		timeout: timeout,
		log:     log,
	}, nil
}

func (b *FsBuildSystem) Build(ctx context.Context, project string, tarball []byte, logs io.Writer) (*Artifact, error) {
	if err := ValidateArchive(tarball); err != nil {
		return nil, err
	}

	projectDir := filepath.Join(b.dir, project)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	// Each attempt gets its own tree; the previous deployment keeps
	// running out of its own until it is swapped out.
	dir, err := os.MkdirTemp(projectDir, "build-")
	if err != nil {
		return nil, fmt.Errorf("failed to create build tree: %w", err)
	}

	artifact, err := b.build(ctx, dir, tarball, logs)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return artifact, nil
}

func (b *FsBuildSystem) build(ctx context.Context, dir string, tarball []byte, logs io.Writer) (*Artifact, error) {
	if err := archive.Untar(bytes.NewReader(tarball), dir, &archive.TarOptions{NoLchown: true}); err != nil {
		return nil, fmt.Errorf("failed to unpack archive: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, b.script)); err == nil {
		if err := b.runScript(ctx, dir, logs); err != nil {
			return nil, err
		}
	}

	entrypoint := filepath.Join(dir, entrypointName)
	info, err := os.Stat(entrypoint)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("build produced no %q executable at the archive root", entrypointName)
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(entrypoint, 0o755); err != nil {
			return nil, fmt.Errorf("failed to mark entrypoint executable: %w", err)
		}
	}

	return &Artifact{Dir: dir, Entrypoint: entrypoint}, nil
}

func (b *FsBuildSystem) runScript(ctx context.Context, dir string, logs io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "/bin/sh", b.script)
	cmd.Dir = dir
	cmd.Stdout = logs
	cmd.Stderr = logs

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s exceeded the build timeout of %s", b.script, b.timeout)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", b.script, err)
	}

	b.log.Debug("build script finished",
		zap.String("dir", dir),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
