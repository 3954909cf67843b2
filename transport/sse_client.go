package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/latticeworks/lattice/errors"
)

// SSEFrame is one parsed server-sent event.
type SSEFrame struct {
	Event string
	ID    string
	Data  []byte
}

// SSEClientOptions configures a stream consumer.
type SSEClientOptions struct {
	URL string
	// HTTPClient must not set a request timeout; the stream is long
	// lived. Nil gets a fresh client.
	HTTPClient *http.Client
	// Retry is the reconnect delay used until the server advertises one
	// through a retry: directive. The delay is fixed, never backed off.
	Retry     time.Duration
	QueueSize int
	Logger    *slog.Logger
}

// SetDefaults fills zero values.
func (o *SSEClientOptions) SetDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Retry <= 0 {
		o.Retry = 3 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// SSEClient consumes a server-sent-event stream, reconnecting with the
// server-advertised fixed delay and resuming with Last-Event-ID.
type SSEClient struct {
	opts   SSEClientOptions
	logger *slog.Logger
	frames chan SSEFrame

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	lastEventID string
	retry       time.Duration

	done chan struct{}
}

// NewSSEClient builds a client for the given stream URL.
func NewSSEClient(opts SSEClientOptions) (*SSEClient, error) {
	if opts.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("stream url is required"),
			"SSEClient", "New", "check options")
	}
	opts.SetDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{
		opts:   opts,
		logger: logger.With("component", "sse_client"),
		frames: make(chan SSEFrame, opts.QueueSize),
		retry:  opts.Retry,
		done:   make(chan struct{}),
	}, nil
}

// Frames returns the channel of parsed events. It is closed after Close
// or when the context given to Start ends.
func (c *SSEClient) Frames() <-chan SSEFrame {
	return c.frames
}

// Start begins consuming the stream until ctx ends or Close is called.
func (c *SSEClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.WrapInvalid(
			errors.ErrAlreadyStarted, "SSEClient", "Start", "check state")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the client and closes the frame channel.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

func (c *SSEClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.frames)

	for {
		if err := c.consume(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("stream interrupted", "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		delay := c.retry
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume opens one connection and parses frames until it drops.
func (c *SSEClient) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event, id string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				c.dispatch(ctx, SSEFrame{
					Event: event,
					ID:    id,
					Data:  []byte(strings.Join(dataLines, "\n")),
				})
			}
			event, id, dataLines = "", "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			id = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				c.mu.Lock()
				c.retry = time.Duration(ms) * time.Millisecond
				c.mu.Unlock()
			}
		}
	}
	return scanner.Err()
}

func (c *SSEClient) dispatch(ctx context.Context, frame SSEFrame) {
	if frame.Event == "" {
		frame.Event = "message"
	}
	select {
	case c.frames <- frame:
		if frame.ID != "" {
			c.mu.Lock()
			c.lastEventID = frame.ID
			c.mu.Unlock()
		}
	case <-ctx.Done():
	}
}
