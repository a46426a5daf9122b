// Package lead holds the data model shared by the acquisition components.
package lead

import (
	"fmt"
	"strings"
)

// Source selects the backend job that produces records.
type Source string

const (
	SourceApify   Source = "apify"
	SourceApollo  Source = "apollo"
	SourceScraper Source = "scraper"
)

// ParseSource validates a source name. Matching is case-insensitive.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceApify, SourceApollo, SourceScraper:
		return src, nil
	default:
		return "", fmt.Errorf("unknown lead source %q (want apify, apollo or scraper)", s)
	}
}

// Streams reports whether the source is served over the live event channel.
// Only scraper jobs run long enough to need progress.
func (s Source) Streams() bool {
	return s == SourceScraper
}

// AcquisitionRequest is immutable once a session starts.
type AcquisitionRequest struct {
	Prompt     string `json:"prompt"`
	Source     Source `json:"source"`
	MaxResults int    `json:"maxResults"`
}

// Validate checks the request before a session is started.
func (r AcquisitionRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, err := ParseSource(string(r.Source)); err != nil {
		return err
	}
	if r.MaxResults <= 0 {
		return fmt.Errorf("maxResults must be positive, got %d", r.MaxResults)
	}
	return nil
}

// ProgressSnapshot is the UI-visible progress of the current session.
type ProgressSnapshot struct {
	Visible      bool   `json:"visible"`
	Message      string `json:"message"`
	Percent      int    `json:"percent"`
	RecordsFound int    `json:"recordsFound"`
}

// ChallengeContext identifies a job suspended behind an external challenge.
// SessionID is opaque and must be sent back to the backend verbatim.
type ChallengeContext struct {
	SessionID          string             `json:"sessionId"`
	ChallengeSiteKey   string             `json:"siteKey"`
	OriginatingRequest AcquisitionRequest `json:"request"`
}

// SessionState is the controller state for one chat turn.
type SessionState int

const (
	StateIdle SessionState = iota
	StateStarting
	StateStreaming
	StateAwaitingChallenge
	StateResuming
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateStarting:          "starting",
	StateStreaming:         "streaming",
	StateAwaitingChallenge: "awaiting_challenge",
	StateResuming:          "resuming",
	StateCompleted:         "completed",
	StateFailed:            "failed",
}

func (s SessionState) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON payloads.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *SessionState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = SessionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}
