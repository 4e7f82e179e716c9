package download

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/replicate/mget/pkg/client"
	"github.com/replicate/mget/pkg/logging"
)

type connectResult struct {
	resp *http.Response
	err  error
}

var errConnectTimeout = fmt.Errorf("no response within the connect window")

// connect acquires the response stream for req. Some transports block forever without raising an error, so each
// probe runs the request on its own goroutine and is abandoned after ConnectPolls polls. The returned cancel func
// owns the request context and aborts the transfer when called.
func (e *Engine) connect(ctx context.Context, req *http.Request) (*http.Response, context.CancelFunc, error) {
	logger := logging.Component("download")
	var lastErr error

	for probe := 0; probe < e.connectProbes(); probe++ {
		probeCtx, cancel := context.WithCancel(ctx)
		done := make(chan connectResult, 1)
		go func() {
			resp, err := e.client().Do(req.Clone(probeCtx))
			done <- connectResult{resp: resp, err: err}
		}()

		res, ok := e.poll(ctx, done)
		if !ok {
			cancel()
			// join the abandoned probe so it does not leak a connection
			if late := <-done; late.resp != nil {
				late.resp.Body.Close()
			}
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = errConnectTimeout
			logger.Debug().Str("url", req.URL.String()).Int("probe", probe+1).Msg("Connect probe timed out")
			continue
		}
		if res.err == nil {
			return res.resp, cancel, nil
		}
		cancel()
		if client.IsPermissionDenied(res.err) {
			return nil, nil, fmt.Errorf("%w: %v", ErrPermissionDenied, res.err)
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		lastErr = res.err
		logger.Debug().Err(res.err).Str("url", req.URL.String()).Int("probe", probe+1).Msg("Connect probe failed")
	}
	return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnableToConnect, req.URL.Redacted(), lastErr)
}

// poll waits for done for up to ConnectPolls intervals.
func (e *Engine) poll(ctx context.Context, done <-chan connectResult) (connectResult, bool) {
	ticker := time.NewTicker(e.connectPollInterval())
	defer ticker.Stop()
	for polls := 0; polls < e.connectPolls(); polls++ {
		select {
		case res := <-done:
			return res, true
		case <-ctx.Done():
			return connectResult{}, false
		case <-ticker.C:
		}
	}
	// a result may have landed on the final tick
	select {
	case res := <-done:
		return res, true
	default:
		return connectResult{}, false
	}
}
