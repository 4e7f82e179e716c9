package download

import (
	"errors"
	"fmt"
)

var (
	// ErrStalled means the output file stopped growing for longer than the stall timeout.
	ErrStalled = errors.New("transfer stalled")
	// ErrUnableToConnect means no response stream could be acquired within the bounded connection probes.
	ErrUnableToConnect = errors.New("unable to connect")
	// ErrPermissionDenied means the local system refused the connection (firewall, sandbox or similar policy).
	ErrPermissionDenied = errors.New("connection refused by policy")
	// ErrRedirectNotFollowed means a 3xx response reached the engine instead of being followed by the transport.
	ErrRedirectNotFollowed = errors.New("server issued a redirect that was not followed")
	// ErrSizeMismatch means the stream ended without delivering the declared number of bytes.
	ErrSizeMismatch = errors.New("downloaded size does not match declared size")
)

type HTTPStatusError struct {
	StatusCode int
}

var _ error = HTTPStatusError{}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("server issued a %d response code", e.StatusCode)
}
