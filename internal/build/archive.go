package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidArchive rejects uploads that are not gzip compressed
// tarballs. Checked at admission, before any record exists.
var ErrInvalidArchive = errors.New("archive must be a gzip compressed tarball")

var gzipMagic = []byte{0x1f, 0x8b}

// ValidateArchive probes the upload: gzip magic bytes, then the
// first tar header. A deeper corruption will still fail the build,
// but an upload that is not even the right container format is
// refused up front.
func ValidateArchive(tarball []byte) error {
	if !bytes.HasPrefix(tarball, gzipMagic) {
		return ErrInvalidArchive
	}

	gz, err := gzip.NewReader(bytes.NewReader(tarball))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	if _, err := tar.NewReader(gz).Next(); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return nil
}
