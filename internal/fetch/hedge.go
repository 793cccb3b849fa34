package fetch

import (
	"context"
	"io"
	"net/http"
	"time"
)

type hedgeOutcome struct {
	resp *http.Response
	err  error
}

// HedgedGet issues a GET and, if it has not completed within hedgeAfter,
// races a duplicate of the same request. The first completion wins, success
// or failure alike, and the loser's context is cancelled. If nothing
// completes within timeout the call returns a nil response and the context
// error. Hedging bounds tail latency from occasionally stalled connections
// without doubling load on well-behaved hosts.
func HedgedGet(ctx context.Context, client *http.Client, url string, timeout, hedgeAfter time.Duration, headers http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	results := make(chan hedgeOutcome, 2)
	fire := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			results <- hedgeOutcome{nil, err}
			return
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		results <- hedgeOutcome{resp, err}
	}

	go fire()

	hedgeTimer := time.NewTimer(hedgeAfter)
	defer hedgeTimer.Stop()

	launched := 1
	for {
		select {
		case out := <-results:
			// Winner decides the call. The loser, if one was launched, is
			// stopped when the shared context is cancelled; its response is
			// closed by the goroutine below so the connection is not leaked.
			if remaining := launched - 1; remaining > 0 {
				go func() {
					for i := 0; i < remaining; i++ {
						if late := <-results; late.resp != nil {
							late.resp.Body.Close()
						}
					}
				}()
			}
			if out.err != nil {
				cancel()
				return nil, out.err
			}
			// The caller owns the body; cancel only after it is consumed,
			// which also releases the loser.
			out.resp.Body = &cancelOnClose{ReadCloser: out.resp.Body, cancel: cancel}
			return out.resp, nil
		case <-hedgeTimer.C:
			if launched == 1 {
				launched = 2
				go fire()
			}
		case <-ctx.Done():
			err := ctx.Err()
			go func(remaining int) {
				for i := 0; i < remaining; i++ {
					if late := <-results; late.resp != nil {
						late.resp.Body.Close()
					}
				}
				cancel()
			}(launched)
			return nil, err
		}
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
