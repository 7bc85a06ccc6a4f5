package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/inkwell/pkg/wire"
)

// maxLineSize caps a single streamed record (64KB).
const maxLineSize = 64 * 1024

// BodyChannel POSTs a generation request and reads the streamed response
// body, one JSON record per line. Records may carry an SSE-style "data: "
// prefix, which is stripped; event names are not part of this shape.
type BodyChannel struct {
	client *http.Client

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

type BodyOption func(*BodyChannel)

func WithBodyHTTPClient(client *http.Client) BodyOption {
	return func(c *BodyChannel) {
		c.client = client
	}
}

func NewBodyChannel(options ...BodyOption) *BodyChannel {
	ret := &BodyChannel{
		client: newHTTPClient(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

var _ Channel = (*BodyChannel)(nil)

func (c *BodyChannel) Open(ctx context.Context, spec RequestSpec) (<-chan Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	for k, vs := range spec.Header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		cancel()
		return nil, &AuthError{Status: resp.StatusCode}
	default:
		_ = resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "connect", Err: &StatusError{Status: resp.StatusCode}}
	}

	deliveries := make(chan Delivery, deliveryBuffer)
	go readLines(ctx, resp.Body, deliveries)

	return deliveries, nil
}

func (c *BodyChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func readLines(ctx context.Context, body io.ReadCloser, deliveries chan<- Delivery) {
	defer func() {
		_ = body.Close()
	}()
	defer close(deliveries)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	frameCount := 0

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(line) == 0 {
			continue
		}

		data := make([]byte, len(line))
		copy(data, line)
		frameCount++
		select {
		case deliveries <- Delivery{Frame: wire.Frame{Data: data}}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case deliveries <- Delivery{Err: &TransportError{Op: "read", Err: err}}:
		case <-ctx.Done():
		}
		return
	}

	log.Debug().Int("frames", frameCount).Msg("response body stream ended")
}
