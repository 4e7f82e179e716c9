package verify

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/replicate/mget/pkg/logging"
)

var (
	ErrEmptyArchive = errors.New("archive has no entries")
	ErrNotAnArchive = errors.New("not a zip or tar archive")
)

// ArchiveVerifier is used when no authoritative checksum is known. It accepts a zip (including jar) file or a tar
// stream, optionally compressed, as long as it is well-formed and holds at least one entry.
type ArchiveVerifier struct{}

var _ Verifier = ArchiveVerifier{}

func (ArchiveVerifier) IsValid(path string) bool {
	entries, err := InspectArchive(path)
	if err != nil {
		logger := logging.GetLogger()
		logger.Debug().Err(err).Str("path", path).Msg("Archive rejected")
		return false
	}
	return entries > 0
}

func (ArchiveVerifier) String() string {
	return "archive"
}

// InspectArchive returns the number of entries in the archive at path.
func InspectArchive(path string) (int, error) {
	zr, zipErr := zip.OpenReader(path)
	if zipErr == nil {
		defer zr.Close()
		return countZipEntries(zr)
	}

	entries, tarErr := countTarEntries(path)
	if tarErr == nil {
		return entries, nil
	}
	if errors.Is(tarErr, ErrEmptyArchive) || errors.Is(tarErr, os.ErrNotExist) {
		return 0, tarErr
	}
	return 0, fmt.Errorf("%w: zip: %v, tar: %v", ErrNotAnArchive, zipErr, tarErr)
}

func countZipEntries(zr *zip.ReadCloser) (int, error) {
	if len(zr.File) == 0 {
		return 0, ErrEmptyArchive
	}
	for _, file := range zr.File {
		// Open validates the local file header against the central directory.
		rc, err := file.Open()
		if err != nil {
			return 0, fmt.Errorf("error opening %s: %w", file.Name, err)
		}
		rc.Close()
	}
	return len(zr.File), nil
}

func countTarEntries(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var reader io.Reader = br
	header, _ := br.Peek(peekSize)
	if d := detectFormat(header); d != nil {
		logger := logging.GetLogger()
		logger.Debug().Str("path", path).Str("type", d.name()).Msg("Compression Format")
		reader, err = d.decompress(br)
		if err != nil {
			return 0, fmt.Errorf("error opening compressed stream: %w", err)
		}
	}

	tr := tar.NewReader(reader)
	entries := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		// Drain the entry so truncated or corrupt compressed data is detected.
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return 0, err
		}
		entries++
	}
	if entries == 0 {
		return 0, ErrEmptyArchive
	}
	return entries, nil
}
