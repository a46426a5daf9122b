// Package session drives one chat turn's lead acquisition from start to a
// single result or error, including the event stream, the single-shot
// fallback, and the challenge pause.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/backend"
	"github.com/kalambet/leadchat/internal/errx"
	"github.com/kalambet/leadchat/internal/events"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/metrics"
	"github.com/kalambet/leadchat/internal/normalize"
	"github.com/kalambet/leadchat/internal/progress"
	"github.com/kalambet/leadchat/internal/storage"
	"github.com/kalambet/leadchat/internal/watchdog"
)

var (
	ErrSessionActive      = errors.New("a lead search is already running for this conversation")
	ErrNoPendingChallenge = errors.New("no verification challenge is pending for this conversation")
	ErrClosed             = errors.New("session controller is closed")
)

// Progress texts shown while the session runs.
const (
	StartingMessage     = "Starting lead generation..."
	ReconnectingMessage = "Connection interrupted, reconnecting..."
	FallbackMessage     = "Live updates unavailable, waiting for the final result..."
	ResumingMessage     = "Verification received, resuming lead generation..."
	StillWorkingSuffix  = " (still working...)"

	RepeatedChallengeMessage = "Verification was requested again for the same job; please start a new search"
)

// Transports recorded in the journal.
const (
	TransportStream   = "stream"
	TransportFallback = "fallback"
	TransportSingle   = "single"
	TransportResume   = "resume"
)

// Outcome is how the latest run ended.
type Outcome struct {
	State     lead.SessionState       `json:"state"`
	Request   lead.AcquisitionRequest `json:"request"`
	Records   []lead.Record           `json:"records,omitempty"`
	Challenge *lead.ChallengeContext  `json:"challenge,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Transport string                  `json:"transport,omitempty"`
}

// Options carries the optional collaborators of a Controller.
type Options struct {
	Listener      Listener
	Store         ChallengeStore
	Journal       Journal
	Metrics       *metrics.Sessions
	Logger        zerolog.Logger
	IdleThreshold time.Duration
}

// Controller owns the session state of one conversation. At most one
// session is active at a time: Start is rejected unless the controller is
// Idle. Start and Resume return immediately; the session runs on its own
// goroutine and reports through the Listener.
type Controller struct {
	conversationID string
	backend        Backend
	listener       Listener
	store          ChallengeStore
	journal        Journal
	metrics        *metrics.Sessions
	idle           time.Duration
	log            zerolog.Logger

	tracker *progress.Tracker

	mu        sync.Mutex
	state     lead.SessionState
	request   lead.AcquisitionRequest
	challenge *lead.ChallengeContext
	journalID string
	transport string
	cancel    context.CancelFunc
	done      chan struct{}
	last      Outcome
	closed    bool
}

// New creates an Idle controller for conversationID.
func New(conversationID string, b Backend, opts Options) *Controller {
	l := opts.Listener
	if l == nil {
		l = ListenerFuncs{}
	}
	return &Controller{
		conversationID: conversationID,
		backend:        b,
		listener:       l,
		store:          opts.Store,
		journal:        opts.Journal,
		metrics:        opts.Metrics,
		idle:           opts.IdleThreshold,
		log:            opts.Logger.With().Str("conversation_id", conversationID).Logger(),
		tracker:        progress.NewTracker(),
	}
}

// ConversationID returns the conversation this controller serves.
func (c *Controller) ConversationID() string {
	return c.conversationID
}

// State returns the current state.
func (c *Controller) State() lead.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the current progress snapshot.
func (c *Controller) Progress() lead.ProgressSnapshot {
	return c.tracker.Snapshot()
}

// Challenge returns the pending challenge, if any.
func (c *Controller) Challenge() (lead.ChallengeContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.challenge == nil {
		return lead.ChallengeContext{}, false
	}
	return *c.challenge, true
}

// Start begins a new session for req.
func (c *Controller) Start(req lead.AcquisitionRequest) error {
	if err := req.Validate(); err != nil {
		return errx.BadRequest("%v", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != lead.StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSessionActive, state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	id := uuid.NewString()

	c.state = lead.StateStarting
	c.request = req
	c.challenge = nil
	c.journalID = id
	c.transport = ""
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.tracker.Reset()
	c.log.Info().Str("session_id", id).Str("source", string(req.Source)).Int("max_results", req.MaxResults).Msg("session started")
	c.journalStart(id, req)
	c.metrics.SessionStarted(req.Source)

	go c.run(ctx, cancel, done, req)
	return nil
}

// Resume submits the challenge proof for the pending challenge. The stored
// backend session id is sent back unchanged together with the original
// prompt.
func (c *Controller) Resume(proof string) error {
	if strings.TrimSpace(proof) == "" {
		return errx.BadRequest("challenge proof is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != lead.StateAwaitingChallenge || c.challenge == nil {
		c.mu.Unlock()
		return ErrNoPendingChallenge
	}

	ch := *c.challenge
	prev := c.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	newJournal := c.journalID == ""
	if newJournal {
		c.journalID = uuid.NewString()
	}
	id := c.journalID

	c.state = lead.StateResuming
	c.transport = TransportResume
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Info().Str("session_id", id).Str("backend_session", ch.SessionID).Msg("resuming after challenge")
	if newJournal {
		c.journalStart(id, ch.OriginatingRequest)
	}
	c.metrics.SessionResumed()

	c.tracker.Reset()
	c.emitProgress(c.tracker.Annotate(ResumingMessage))

	go c.runResume(ctx, cancel, prev, done, ch, proof)
	return nil
}

// Cancel discards the pending challenge and returns to Idle. It does not
// stop the backend job.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state != lead.StateAwaitingChallenge {
		c.mu.Unlock()
		return ErrNoPendingChallenge
	}
	id := c.journalID
	c.state = lead.StateIdle
	c.challenge = nil
	c.last = Outcome{State: lead.StateIdle, Request: c.request, Message: "cancelled"}
	c.mu.Unlock()

	c.log.Info().Str("session_id", id).Msg("challenge cancelled")
	c.deleteChallenge()
	c.journalFinish(id, storage.OutcomeCancelled, 0, "")
	c.listener.OnCancel()
	return nil
}

// Restore puts an Idle controller into AwaitingChallenge from a persisted
// challenge, so a later Resume can complete it.
func (c *Controller) Restore(ch lead.ChallengeContext) error {
	if ch.SessionID == "" {
		return errx.BadRequest("challenge has no session id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != lead.StateIdle {
		return fmt.Errorf("%w (state %s)", ErrSessionActive, c.state)
	}
	c.state = lead.StateAwaitingChallenge
	c.challenge = &ch
	c.request = ch.OriginatingRequest
	c.journalID = ""
	c.last = Outcome{State: lead.StateAwaitingChallenge, Request: ch.OriginatingRequest, Challenge: &ch}
	c.log.Debug().Str("backend_session", ch.SessionID).Msg("pending challenge restored")
	return nil
}

// Last returns how the latest run ended without waiting. Before the first
// run it is the zero Outcome.
func (c *Controller) Last() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Wait blocks until the current run ends (a result, an error, or a pending
// challenge) and returns how it ended.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// Close aborts any running session, closing its stream, and waits for it to
// exit. A pending challenge stays in the store.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, req lead.AcquisitionRequest) {
	defer close(done)
	defer cancel()

	if !req.Source.Streams() {
		c.setTransport(TransportSingle)
		c.single(ctx, req, true)
		return
	}

	s, err := c.backend.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.abort()
			return
		}
		c.log.Warn().Err(err).Msg("event stream unavailable")
		c.metrics.StreamFault(true)
		c.fallback(ctx, req)
		return
	}

	switch c.consume(ctx, s) {
	case endPermanent:
		c.fallback(ctx, req)
	case endAborted:
		c.abort()
	}
}

func (c *Controller) runResume(ctx context.Context, cancel context.CancelFunc, prev, done chan struct{}, ch lead.ChallengeContext, proof string) {
	defer close(done)
	defer cancel()

	// The run that raised the challenge may still be unwinding.
	if prev != nil {
		<-prev
	}

	req := ch.OriginatingRequest
	body, err := c.backend.Resume(ctx, backend.ResumeRequest{
		SessionID:  ch.SessionID,
		Proof:      proof,
		Prompt:     req.Prompt,
		Source:     req.Source,
		MaxResults: req.MaxResults,
	})
	if ctx.Err() != nil {
		c.abort()
		return
	}

	c.deleteChallenge()
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.handlePayload(body, req, false)
}

type streamEnd int

const (
	endDone streamEnd = iota
	endPermanent
	endAborted
)

// consume processes stream frames until a terminal event, a permanent
// fault, or cancellation. The stream is closed on every return path.
func (c *Controller) consume(ctx context.Context, s Stream) streamEnd {
	defer s.Close()

	if !c.transition(lead.StateStarting, lead.StateStreaming) {
		return endAborted
	}
	c.setTransport(TransportStream)
	c.emitProgress(c.tracker.Annotate(StartingMessage))

	idle := make(chan struct{}, 1)
	wd := watchdog.New(c.idle)
	wd.OnIdle(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})
	wd.Touch()
	defer wd.Stop()

	for {
		select {
		case <-ctx.Done():
			return endAborted

		case <-idle:
			c.log.Debug().Dur("threshold", wd.Threshold()).Msg("event stream idle")
			c.emitProgress(c.tracker.Annotate(stillWorking(c.tracker.Snapshot().Message)))

		case f, ok := <-s.Frames():
			if ctx.Err() != nil {
				return endAborted
			}
			if !ok {
				c.log.Warn().Msg("event stream closed without a result")
				c.metrics.StreamFault(true)
				return endPermanent
			}
			if f.Err != nil {
				c.metrics.StreamFault(f.Permanent)
				if f.Permanent {
					c.log.Warn().Err(f.Err).Msg("event stream lost")
					return endPermanent
				}
				c.log.Warn().Err(f.Err).Msg("event stream interrupted")
				c.emitProgress(c.tracker.Annotate(ReconnectingMessage))
				continue
			}

			wd.Touch()
			ev := events.Decode(f.Event, f.Data)
			switch ev.Kind {
			case events.KindProgress:
				c.emitProgress(c.tracker.Apply(ev))
			case events.KindComplete:
				wd.Stop()
				s.Close()
				c.complete(normalize.Records(ev.Payload))
				return endDone
			case events.KindError:
				wd.Stop()
				s.Close()
				c.fail(ev.Message)
				return endDone
			case events.KindChallengeRequired:
				wd.Stop()
				s.Close()
				c.suspend(ev.SessionID, ev.SiteKey)
				return endDone
			default:
				c.log.Debug().Str("event", f.Event).Str("tag", ev.Tag).Msg("dropping unrecognised frame")
			}
		}
	}
}

// fallback re-issues the same request once as a blocking call.
func (c *Controller) fallback(ctx context.Context, req lead.AcquisitionRequest) {
	c.log.Warn().Msg("falling back to single-shot request")
	c.metrics.Fallback()
	c.setState(lead.StateStarting)
	c.setTransport(TransportFallback)
	c.emitProgress(c.tracker.Annotate(FallbackMessage))
	c.single(ctx, req, true)
}

func (c *Controller) single(ctx context.Context, req lead.AcquisitionRequest, allowChallenge bool) {
	body, err := c.backend.Fetch(ctx, req)
	if ctx.Err() != nil {
		c.abort()
		return
	}
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.handlePayload(body, req, allowChallenge)
}

func (c *Controller) handlePayload(body []byte, req lead.AcquisitionRequest, allowChallenge bool) {
	out := normalize.Classify(body)
	switch out.Kind {
	case normalize.OutcomeChallenge:
		if !allowChallenge {
			c.fail(RepeatedChallengeMessage)
			return
		}
		c.suspend(out.SessionID, out.SiteKey)
	case normalize.OutcomeError:
		c.fail(out.Message)
	default:
		c.complete(out.Records)
	}
}

func (c *Controller) complete(records []lead.Record) {
	c.setState(lead.StateCompleted)
	id, transport := c.current()

	c.emitProgress(c.tracker.Hide())
	c.log.Info().Str("session_id", id).Str("transport", transport).Int("records", len(records)).Msg("session completed")
	c.journalFinish(id, storage.OutcomeCompleted, len(records), "")
	if c.journal != nil && len(records) > 0 {
		if err := c.journal.SaveRecords(id, records); err != nil {
			c.log.Warn().Err(err).Str("session_id", id).Msg("storing records failed")
		}
	}
	c.metrics.RecordsReturned(len(records))
	c.metrics.SessionFinished(storage.OutcomeCompleted)

	c.listener.OnResult(records)
	c.reset(Outcome{State: lead.StateCompleted, Records: records, Transport: transport})
}

func (c *Controller) fail(message string) {
	if message == "" {
		message = events.DefaultErrorMessage
	}
	c.setState(lead.StateFailed)
	id, transport := c.current()

	c.emitProgress(c.tracker.Reset())
	c.log.Warn().Str("session_id", id).Str("transport", transport).Str("error", message).Msg("session failed")
	c.journalFinish(id, storage.OutcomeFailed, 0, message)
	c.metrics.SessionFinished(storage.OutcomeFailed)

	c.listener.OnError(message)
	c.reset(Outcome{State: lead.StateFailed, Message: message, Transport: transport})
}

func (c *Controller) suspend(sessionID, siteKey string) {
	c.mu.Lock()
	ch := lead.ChallengeContext{
		SessionID:          sessionID,
		ChallengeSiteKey:   siteKey,
		OriginatingRequest: c.request,
	}
	id, transport := c.journalID, c.transport
	c.mu.Unlock()

	c.emitProgress(c.tracker.Hide())
	c.log.Info().Str("session_id", id).Str("backend_session", sessionID).Msg("challenge required")
	if c.store != nil {
		if err := c.store.PutChallenge(context.Background(), c.conversationID, ch); err != nil {
			c.log.Warn().Err(err).Msg("persisting challenge failed")
		}
	}
	c.journalFinish(id, storage.OutcomeChallenge, 0, "")
	c.metrics.Challenge()
	c.metrics.SessionFinished(storage.OutcomeChallenge)
	c.listener.OnChallenge(ch)

	// Resume is accepted only once the challenge is stored and announced.
	c.mu.Lock()
	c.log.Debug().Stringer("from", c.state).Stringer("to", lead.StateAwaitingChallenge).Msg("state transition")
	c.state = lead.StateAwaitingChallenge
	c.challenge = &ch
	c.last = Outcome{State: lead.StateAwaitingChallenge, Request: c.request, Challenge: &ch, Transport: transport}
	c.mu.Unlock()
}

// abort ends a run cancelled by Close. Nothing is emitted.
func (c *Controller) abort() {
	id, transport := c.current()
	c.log.Info().Str("session_id", id).Msg("session aborted")
	c.journalFinish(id, storage.OutcomeAborted, 0, "")
	c.metrics.SessionFinished(storage.OutcomeAborted)
	c.tracker.Reset()
	c.reset(Outcome{State: lead.StateIdle, Message: "aborted", Transport: transport})
}

func (c *Controller) reset(last Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug().Stringer("from", c.state).Msg("session reset to idle")
	c.state = lead.StateIdle
	c.challenge = nil
	last.Request = c.request
	c.last = last
}

func (c *Controller) transition(from, to lead.SessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
	c.state = to
	return true
}

func (c *Controller) setState(to lead.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug().Stringer("from", c.state).Stringer("to", to).Msg("state transition")
	c.state = to
}

func (c *Controller) setTransport(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

func (c *Controller) current() (journalID, transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journalID, c.transport
}

func (c *Controller) emitProgress(s lead.ProgressSnapshot) {
	c.listener.OnProgress(s)
}

func (c *Controller) deleteChallenge() {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteChallenge(context.Background(), c.conversationID); err != nil {
		c.log.Warn().Err(err).Msg("removing stored challenge failed")
	}
}

func (c *Controller) journalStart(id string, req lead.AcquisitionRequest) {
	if c.journal == nil {
		return
	}
	err := c.journal.SaveSession(storage.SessionRecord{
		ID:             id,
		ConversationID: c.conversationID,
		Source:         req.Source,
		Prompt:         req.Prompt,
		MaxResults:     req.MaxResults,
		StartedAt:      time.Now(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("journal write failed")
	}
}

func (c *Controller) journalFinish(id, outcome string, records int, message string) {
	if c.journal == nil || id == "" {
		return
	}
	_, transport := c.current()
	if err := c.journal.FinishSession(id, transport, outcome, records, message, time.Now()); err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("journal write failed")
	}
}

func stillWorking(msg string) string {
	if msg == "" {
		msg = events.DefaultProgressMessage
	}
	if strings.HasSuffix(msg, StillWorkingSuffix) {
		return msg
	}
	return msg + StillWorkingSuffix
}
