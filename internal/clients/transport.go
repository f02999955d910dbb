// Package clients holds the HTTP clients of the collaborating services.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	apperrors "library-workers/internal/common/errors"
	httpclient "library-workers/internal/common/http"
	"library-workers/internal/common/resolver"
)

// Transport sends JSON requests to one logical service resolved per call, so
// endpoint changes in the registry are picked up without a restart.
type Transport struct {
	service  string
	resolver resolver.Resolver
	http     *httpclient.Client
}

func NewTransport(service string, res resolver.Resolver, timeout time.Duration) *Transport {
	return &Transport{
		service:  service,
		resolver: res,
		http:     httpclient.NewClient(timeout),
	}
}

// Service returns the logical service name.
func (t *Transport) Service() string {
	return t.service
}

// Do returns any HTTP response below 500. Resolution failures, transport
// errors and 5xx responses come back as retryable StandardErrors.
func (t *Transport) Do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*httpclient.Response, error) {
	base, err := t.resolver.Resolve(ctx, t.service)
	if err != nil {
		return nil, apperrors.NewExternalServiceError(t.service, err)
	}

	resp, err := t.http.DoJSON(ctx, method, base+path, body, headers)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.NewTimeoutError(t.service, err)
		}
		return nil, apperrors.NewExternalServiceError(t.service, err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.NewExternalServiceError(t.service,
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(resp.Body)))
	}
	return resp, nil
}

// Rejected builds the non-retryable error for a 4xx answer the caller does not
// interpret itself.
func (t *Transport) Rejected(method, path string, resp *httpclient.Response) error {
	stdErr := apperrors.NewExternalServiceError(t.service,
		fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(resp.Body)))
	stdErr.Retryable = false
	return stdErr
}

// Malformed wraps an undecodable 2xx body. The collaborator is misbehaving,
// which is treated like an outage.
func (t *Transport) Malformed(path string, err error) error {
	return apperrors.NewExternalServiceError(t.service, fmt.Errorf("malformed response from %s: %w", path, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
