package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/replicate/mget/pkg/download"
)

// ProgressBar renders download progress notifications on a terminal. It implements download.ProgressListener.
type ProgressBar struct {
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	label string
}

var _ download.ProgressListener = (*ProgressBar)(nil)

func NewProgressBar(w io.Writer, throttle time.Duration) *ProgressBar {
	return &ProgressBar{
		bar: progressbar.NewOptions(
			100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionThrottle(throttle),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(w)
			}),
		),
	}
}

func (p *ProgressBar) OnProgress(label string, percent float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent == download.UnknownProgress {
		label += " (size unknown)"
		percent = 0
	}
	if label != p.label {
		p.label = label
		p.bar.Describe(label)
	}
	_ = p.bar.Set(int(percent))
}

// Finish completes the bar if it was ever drawn.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.label != "" {
		_ = p.bar.Finish()
	}
}
