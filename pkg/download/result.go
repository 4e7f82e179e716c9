package download

import (
	"math"
	"time"
)

type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
	OutcomePermissionDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermissionDenied:
		return "permission_denied"
	default:
		return "failure"
	}
}

// UnknownProgress is reported instead of a percentage when the server did not declare a content length.
const UnknownProgress = -1.0

type ProgressListener interface {
	OnProgress(label string, percent float64)
}

// ListenerFunc adapts a plain function to a ProgressListener.
type ListenerFunc func(label string, percent float64)

func (f ListenerFunc) OnProgress(label string, percent float64) {
	f(label, percent)
}

// Target describes a single download attempt. It is passed by value and never modified by the engine.
type Target struct {
	URL string
	// Name is the label handed to the listener.
	Name string
	// OutputPath is owned by the attempt: any existing file there is replaced.
	OutputPath string
	Listener   ProgressListener
}

func (t Target) notify(label string, percent float64) {
	if t.Listener != nil {
		t.Listener.OnProgress(label, percent)
	}
}

type Result struct {
	Outcome          Outcome
	BytesTransferred int64
	// DeclaredSize is only meaningful when SizeKnown is true.
	DeclaredSize int64
	SizeKnown    bool
	// ProducedFile is the output path once it has been created, "" before that.
	ProducedFile string
	Cause        error
	Elapsed      time.Duration
}

func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// Declared returns the content length announced by the server, if any.
func (r Result) Declared() (int64, bool) {
	return r.DeclaredSize, r.SizeKnown
}

// Percent converts a byte count into a completion percentage, or UnknownProgress without a declared size.
func Percent(done, size int64, sizeKnown bool) float64 {
	if !sizeKnown || size <= 0 {
		return UnknownProgress
	}
	return math.Min(float64(done)/float64(size)*100, 100)
}
