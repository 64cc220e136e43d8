package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/pkg/archive"
	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// FetchArchive clones a repository and packs its work tree into the
// same gzip tarball shape uploads arrive in, so git sources flow
// through the ordinary pipeline and land in the archive store like
// everything else. The source is "<url>" or "<url>#<branch>".
func FetchArchive(ctx context.Context, source string) ([]byte, error) {
	url, ref := splitSource(source)

	dir, err := os.MkdirTemp("", "hosting-git-")
	if err != nil {
		return nil, fmt.Errorf("failed to create clone directory: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	}

	if _, err := git.PlainCloneContext(ctx, dir, opts); err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}

	tarball, err := archive.TarWithOptions(dir, &archive.TarOptions{
		Compression:     archive.Gzip,
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pack work tree: %w", err)
	}
	defer tarball.Close()

	packed, err := io.ReadAll(tarball)
	if err != nil {
		return nil, fmt.Errorf("failed to read packed work tree: %w", err)
	}
	return packed, nil
}

func splitSource(source string) (url, ref string) {
	if i := strings.LastIndex(source, "#"); i >= 0 {
		return source[:i], source[i+1:]
	}
	return source, ""
}
