// Package relay delivers admitted notifications to a gate's origin.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

var (
	ErrRelay       = errors.New("relay failed")
	ErrCircuitOpen = errors.New("origin circuit open")
)

// Notification carries the original sender and the untouched payload.
type Notification struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

type Relay interface {
	Dispatch(ctx context.Context, n Notification) error
}

// RelayError reports a failed delivery after a successful admission.
type RelayError struct {
	Origin string
	Status int
	Err    error
}

func (e *RelayError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("relay to %s: status %d: %v", e.Origin, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("relay to %s: %v", e.Origin, e.Err)
	default:
		return fmt.Sprintf("relay to %s: status %d", e.Origin, e.Status)
	}
}

func (e *RelayError) Unwrap() error { return e.Err }

func (e *RelayError) Is(target error) bool { return target == ErrRelay }

// Noop is used by gates without an origin: they meter, they do not relay.
type Noop struct{}

func (Noop) Dispatch(context.Context, Notification) error { return nil }

const GateHeader = "X-Tickgate-Gate"

// HTTP posts notifications as JSON to a single origin URL.
type HTTP struct {
	origin *url.URL
	client *http.Client
	gate   string
}

func NewHTTP(origin *url.URL, client *http.Client, gate string) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{origin: origin, client: client, gate: gate}
}

func (h *HTTP) Origin() string { return h.origin.String() }

func (h *HTTP) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return &RelayError{Origin: h.Origin(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.origin.String(), bytes.NewReader(body))
	if err != nil {
		return &RelayError{Origin: h.Origin(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.gate != "" {
		req.Header.Set(GateHeader, h.gate)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &RelayError{Origin: h.Origin(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RelayError{Origin: h.Origin(), Status: resp.StatusCode}
	}
	return nil
}
