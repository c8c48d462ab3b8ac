package analysis

import (
	"context"
	"fmt"
	"io"
	"time"
)

// readyPollInterval is how often WaitReady probes the health endpoint.
var readyPollInterval = 500 * time.Millisecond

// WaitReady polls the analysis service until it answers /health or wait
// elapses, writing progress to w. The service may come up after racelog, so
// callers usually treat the error as a warning.
func WaitReady(ctx context.Context, c *Client, wait time.Duration, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	announced := false
	for {
		if c.IsRunning(ctx) {
			fmt.Fprintf(w, "analysis service %s: ready\n", c.baseURL)
			return nil
		}
		if !announced {
			fmt.Fprintf(w, "analysis service %s: waiting...\n", c.baseURL)
			announced = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("analysis service at %s not reachable after %s", c.baseURL, wait)
		case <-ticker.C:
		}
	}
}
