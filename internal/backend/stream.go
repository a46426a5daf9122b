package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kalambet/leadchat/internal/errx"
	"github.com/kalambet/leadchat/internal/lead"
)

const (
	maxFrameSize      = 16 << 20
	maxReconnectDelay = 30 * time.Second
	defaultEventName  = "message"
	eventStreamMIME   = "text/event-stream"
	lastEventIDHeader = "Last-Event-ID"
)

// ErrStreamEnded is reported when the server closes the connection without
// a transport error.
var ErrStreamEnded = errors.New("event stream ended")

// Frame is one item read from the event stream. Either an event
// (Event, Data) or a fault (Err). A fault with Permanent set is the last
// frame before the channel closes; a transient fault is followed by more
// frames once the transport has reconnected.
type Frame struct {
	ID        string
	Event     string
	Data      []byte
	Err       error
	Permanent bool
}

// Stream is an open server-sent event channel for one acquisition. It owns
// a reader goroutine which reconnects after transient faults.
type Stream struct {
	client *Client
	req    lead.AcquisitionRequest

	ctx    context.Context
	cancel context.CancelFunc

	frames chan Frame
	done   chan struct{}

	// reader goroutine state
	lastID string
	retry  time.Duration

	closeOnce sync.Once
}

// OpenStream connects the live event channel for req. A failure to connect,
// a non-200 reply, or a reply that is not an event stream is permanent and
// returned as an error; nothing needs closing in that case.
func (c *Client) OpenStream(ctx context.Context, req lead.AcquisitionRequest) (*Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client: c,
		req:    req,
		ctx:    sctx,
		cancel: cancel,
		frames: make(chan Frame),
		done:   make(chan struct{}),
		retry:  c.reconnectDelay,
	}

	body, err := s.connect()
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(body)
	return s, nil
}

// Frames delivers frames in arrival order. It is closed after a permanent
// fault or after Close.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Close tears down the connection and waits for the reader to exit. It is
// safe to call more than once and from any goroutine.
func (s *Stream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Stream) streamURL() string {
	q := url.Values{}
	q.Set("source", string(s.req.Source))
	q.Set("prompt", s.req.Prompt)
	q.Set("maxResults", strconv.Itoa(s.req.MaxResults))
	return s.client.baseURL + "/api/leads/stream?" + q.Encode()
}

func (s *Stream) connect() (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	s.client.setHeaders(httpReq)
	httpReq.Header.Set("Accept", eventStreamMIME)
	httpReq.Header.Set("Cache-Control", "no-cache")
	if s.lastID != "" {
		httpReq.Header.Set(lastEventIDHeader, s.lastID)
	}

	resp, err := s.client.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		text := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, errx.Upstream(resp.StatusCode, text)
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != eventStreamMIME {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q on event stream", resp.Header.Get("Content-Type"))
	}

	return resp.Body, nil
}

func (s *Stream) run(body io.ReadCloser) {
	defer close(s.done)
	defer close(s.frames)

	for {
		err := s.read(body)
		body.Close()
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrStreamEnded
		}

		s.client.log.Warn().Err(err).Str("last_event_id", s.lastID).Msg("event stream interrupted, reconnecting")
		if !s.send(Frame{Err: err}) {
			return
		}

		body, err = s.reconnect()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.client.log.Error().Err(err).Msg("event stream lost")
			s.send(Frame{Err: err, Permanent: true})
			return
		}
	}
}

// reconnect retries connect with exponential backoff. The first wait is the
// server-provided retry interval when one was sent.
func (s *Stream) reconnect() (io.ReadCloser, error) {
	if s.client.maxReconnects == 0 {
		return nil, errors.New("event stream closed and reconnects are disabled")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry
	b.MaxInterval = maxReconnectDelay
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.client.maxReconnects; attempt++ {
		wait := b.NextBackOff()
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		case <-t.C:
		}

		body, err := s.connect()
		if err == nil {
			s.client.log.Info().Int("attempt", attempt).Msg("event stream reconnected")
			return body, nil
		}
		lastErr = err
		s.client.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect failed")
	}
	return nil, fmt.Errorf("event stream lost after %d reconnect attempts: %w", s.client.maxReconnects, lastErr)
}

func (s *Stream) send(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// read parses the text/event-stream framing until the body ends. It returns
// nil on a clean EOF.
func (s *Stream) read(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)

	var (
		event string
		data  bytes.Buffer
		has   bool
	)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if has {
				name := event
				if name == "" {
					name = defaultEventName
				}
				payload := bytes.Clone(data.Bytes())
				if !s.send(Frame{ID: s.lastID, Event: name, Data: payload}) {
					return s.ctx.Err()
				}
			}
			event = ""
			data.Reset()
			has = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return scanner.Err()
}
