package download

import (
	"os"
	"sync/atomic"
	"time"
)

// watchdog watches the output file of a running transfer. Each tick it reads the file length; growth refreshes the
// progress timestamp and is reported, and no growth for the stall timeout aborts the transfer.
type watchdog struct {
	path     string
	interval time.Duration
	timeout  time.Duration

	onProgress func(size int64)
	onStall    func(size int64)
	abort      func()

	observed atomic.Int64
	stalled  atomic.Bool
}

func (w *watchdog) run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	lastProgress := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		size := fileLength(w.path)
		if size > w.observed.Load() {
			w.observed.Store(size)
			lastProgress = time.Now()
			w.onProgress(size)
			continue
		}
		if time.Since(lastProgress) >= w.timeout {
			w.stalled.Store(true)
			w.onStall(size)
			w.abort()
			return
		}
	}
}

func (w *watchdog) Stalled() bool {
	return w.stalled.Load()
}

// Observed is the largest file length reported so far.
func (w *watchdog) Observed() int64 {
	return w.observed.Load()
}

func fileLength(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
