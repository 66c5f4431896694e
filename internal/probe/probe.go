package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const probeBodyLimit = 1024

// Result of a single health probe.
type Result struct {
	Healthy bool
	// Status is the HTTP status code when a response arrived, zero when
	// the endpoint was unreachable.
	Status int
	// Detail explains an unhealthy result for the logs.
	Detail string
}

// Prober issues single-shot GET probes against the service health endpoint.
// Retrying across probes is the caller's decision.
type Prober struct {
	url     string
	client  *retryablehttp.Client
	timeout time.Duration
}

// New returns a Prober for the given URL. Each probe is bounded by timeout.
func New(url string, timeout time.Duration) *Prober {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &Prober{
		url:     url,
		client:  client,
		timeout: timeout,
	}
}

// Check performs one probe. A reachable endpoint answering 2xx within the
// timeout is healthy; everything else is not.
func (p *Prober) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{Detail: fmt.Sprintf("build probe request: %v", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Detail: fmt.Sprintf("endpoint unreachable: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Healthy: true, Status: resp.StatusCode}
	}
	return Result{
		Status: resp.StatusCode,
		Detail: fmt.Sprintf("unexpected status %s", resp.Status),
	}
}
