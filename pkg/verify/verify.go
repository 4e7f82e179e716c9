// Package verify decides whether a downloaded file is acceptable.
//
// A Verifier never modifies the file it inspects and holds no state beyond what it was constructed with, so one
// value may be shared by concurrent fetches.
package verify

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/replicate/mget/pkg/logging"
)

// ChecksumLength is the length of a hex encoded MD5 digest. Only discovered checksums of exactly this length select
// a ChecksumVerifier.
const ChecksumLength = 32

// ErrInvalidChecksum is returned for a pinned checksum that is not a hex encoded MD5 digest.
var ErrInvalidChecksum = errors.New("checksum must be 32 hex characters")

// ParseChecksum validates a checksum supplied by the user. Unlike Select it never falls back: a pin that is not an
// MD5 digest is an error.
func ParseChecksum(checksum string) (ChecksumVerifier, error) {
	if len(checksum) != ChecksumLength {
		return ChecksumVerifier{}, fmt.Errorf("%w: %q has %d", ErrInvalidChecksum, checksum, len(checksum))
	}
	if _, err := hex.DecodeString(checksum); err != nil {
		return ChecksumVerifier{}, fmt.Errorf("%w: %q", ErrInvalidChecksum, checksum)
	}
	return NewChecksumVerifier(checksum), nil
}

type Verifier interface {
	IsValid(path string) bool
}

// Func adapts a plain function to a Verifier.
type Func func(path string) bool

func (f Func) IsValid(path string) bool {
	return f(path)
}

// ChecksumVerifier accepts a file whose MD5 digest matches the expected value, ignoring case.
type ChecksumVerifier struct {
	expected string
}

var _ Verifier = ChecksumVerifier{}

func NewChecksumVerifier(expected string) ChecksumVerifier {
	return ChecksumVerifier{expected: strings.TrimSpace(expected)}
}

func (v ChecksumVerifier) Expected() string {
	return v.expected
}

func (v ChecksumVerifier) IsValid(path string) bool {
	logger := logging.GetLogger()
	actual, err := FileMD5(path)
	if err != nil {
		logger.Debug().Err(err).Str("path", path).Msg("Checksum unavailable")
		return false
	}
	if !strings.EqualFold(actual, v.expected) {
		logger.Debug().
			Str("path", path).
			Str("expected", v.expected).
			Str("actual", actual).
			Msg("Checksum mismatch")
		return false
	}
	return true
}

func (v ChecksumVerifier) String() string {
	return fmt.Sprintf("md5:%s", v.expected)
}

// FileMD5 returns the lower-case hex MD5 digest of the file at path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Select applies the verifier policy: a discovered checksum of exactly ChecksumLength characters is trusted,
// anything else falls back to a structural archive check.
func Select(checksum string) Verifier {
	if len(checksum) == ChecksumLength {
		return NewChecksumVerifier(checksum)
	}
	return ArchiveVerifier{}
}
