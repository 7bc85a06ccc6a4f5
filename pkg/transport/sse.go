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

// SSEChannel reads a persistent GET-based server push stream of framed
// records (event name + JSON data).
type SSEChannel struct {
	client *http.Client

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

type SSEOption func(*SSEChannel)

func WithSSEHTTPClient(client *http.Client) SSEOption {
	return func(c *SSEChannel) {
		c.client = client
	}
}

func NewSSEChannel(options ...SSEOption) *SSEChannel {
	ret := &SSEChannel{
		client: newHTTPClient(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

var _ Channel = (*SSEChannel)(nil)

func (c *SSEChannel) Open(ctx context.Context, spec RequestSpec) (<-chan Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	for k, vs := range spec.Header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

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
	go readSSE(ctx, resp.Body, deliveries)

	return deliveries, nil
}

func (c *SSEChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// readSSE scans "field: value" framed records, emitting one frame per
// blank-line-terminated event. Multi-line data fields are joined with
// newlines.
func readSSE(ctx context.Context, body io.ReadCloser, deliveries chan<- Delivery) {
	defer func() {
		_ = body.Close()
	}()
	defer close(deliveries)

	reader := bufio.NewReader(body)
	var event string
	var dataLines [][]byte
	frameCount := 0

	flush := func() bool {
		if len(dataLines) == 0 {
			event = ""
			return true
		}
		frame := wire.Frame{Event: event, Data: bytes.Join(dataLines, []byte("\n"))}
		event = ""
		dataLines = dataLines[:0]
		frameCount++
		select {
		case deliveries <- Delivery{Frame: frame}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				// deliver a trailing event that was not blank-line terminated
				flush()
				log.Debug().Int("frames", frameCount).Msg("push stream ended")
				return
			}
			select {
			case deliveries <- Delivery{Err: &TransportError{Op: "read", Err: err}}:
			case <-ctx.Done():
			}
			return
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if !flush() {
				return
			}
			continue
		}
		if line[0] == ':' {
			// comment / keepalive
			continue
		}

		parts := bytes.SplitN(line, []byte(":"), 2)
		if len(parts) != 2 {
			continue
		}
		field := string(parts[0])
		value := bytes.TrimPrefix(parts[1], []byte(" "))
		switch field {
		case "event":
			event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}
