package transport

// Package transport produces a single ordered sequence of raw frames for one
// generation request. It unifies the two underlying mechanisms: a persistent
// GET-based server push stream and a POST-initiated streamed response body.

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/inkwell/pkg/wire"
)

// Delivery is one item on a channel's frame sequence. A non-nil Err is the
// single terminal transport error for the stream; no further deliveries
// follow it. A clean end-of-stream is signaled by closing the sequence
// without an Err delivery.
type Delivery struct {
	Frame wire.Frame
	Err   error
}

// RequestSpec describes one generation request. URL is mandatory; Body is
// the JSON payload for POST-initiated streams and ignored by push streams.
type RequestSpec struct {
	URL    string
	Body   []byte
	Header http.Header
}

// Channel opens one connection per generation request and yields raw frames
// in arrival order.
//
// Close is idempotent and safe to call before Open completes, during
// streaming, or after the stream has already ended.
type Channel interface {
	Open(ctx context.Context, spec RequestSpec) (<-chan Delivery, error)
	Close() error
}

const deliveryBuffer = 64

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}
