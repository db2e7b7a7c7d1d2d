package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/csai/fleetdash/internal/registry"
)

const maxHealthBody = 64 << 10

type ProberFunc func(ctx context.Context, inst registry.Instance) (registry.Status, error)

func (f ProberFunc) Probe(ctx context.Context, inst registry.Instance) (registry.Status, error) {
	return f(ctx, inst)
}

// HTTPProber issues GET <instance url><path>. Deadlines come from the ctx
// passed to Probe.
type HTTPProber struct {
	client *http.Client
	path   string
}

func NewHTTPProber(path string) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	return &HTTPProber{client: &http.Client{}, path: path}
}

func (p *HTTPProber) Probe(ctx context.Context, inst registry.Instance) (registry.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL()+p.path, nil)
	if err != nil {
		return registry.StatusError, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if unreachable(err) {
			return registry.StatusOffline, err
		}
		return registry.StatusError, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		if unreachable(err) {
			return registry.StatusOffline, err
		}
		return registry.StatusError, err
	}
	if resp.StatusCode != http.StatusOK {
		return registry.StatusError, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return registry.StatusError, errors.New("health endpoint returned a non-JSON body")
	}
	return registry.StatusOnline, nil
}

// unreachable reports errors that mean the instance is down rather than
// misbehaving: name resolution, dial and routing failures, resets and
// timeouts.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
