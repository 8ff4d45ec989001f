// Package transport issues single HTTP calls with a hard deadline and
// classifies their outcome into the network error taxonomy.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the deadline applied when a caller does not specify one.
const DefaultTimeout = 8 * time.Second

// Doer abstracts HTTP request execution.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallWithTimeout executes req with a deadline of timeout (DefaultTimeout when zero).
// Connection-level failures and deadline expiry are returned as *NetworkError.
// If ctx itself is cancelled the context error is returned unchanged.
//
// The deadline stays armed until the response body is closed, so callers must
// close it (ParseResponse does).
func CallWithTimeout(ctx context.Context, client Doer, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{
			Op:      "request",
			URL:     req.URL.Redacted(),
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the call deadline once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
