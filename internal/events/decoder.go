// Package events turns raw stream messages into typed acquisition events.
package events

import (
	"math"

	"github.com/buger/jsonparser"
)

const (
	DefaultProgressMessage = "Scraping in progress..."
	DefaultErrorMessage    = "Lead generation failed"
)

// Kind is the decoded event type.
type Kind int

const (
	KindUnknown Kind = iota
	KindProgress
	KindComplete
	KindChallengeRequired
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindComplete:
		return "complete"
	case KindChallengeRequired:
		return "captcha"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is exactly one decoded stream message. Only the fields of its Kind
// are populated.
type Event struct {
	Kind Kind

	// Progress
	Message      string
	Percent      int
	RecordsFound int

	// Complete; opaque until it reaches the normalizer.
	Payload []byte

	// ChallengeRequired
	SessionID string
	SiteKey   string

	// Unknown: the tag that could not be classified, for logging.
	Tag string
}

// Decode classifies one message. The type discriminator is the "type" field
// of the JSON object; when absent, the SSE event name is used instead.
// Decode never fails: anything it cannot classify is KindUnknown.
func Decode(eventName string, data []byte) Event {
	if len(data) == 0 {
		return Event{Kind: KindUnknown, Tag: eventName}
	}
	if _, typ, _, err := jsonparser.Get(data); err != nil || typ != jsonparser.Object {
		return Event{Kind: KindUnknown, Tag: eventName}
	}

	tag, err := jsonparser.GetString(data, "type")
	if err != nil || tag == "" {
		tag = eventName
	}

	switch tag {
	case "progress":
		return Event{
			Kind:         KindProgress,
			Message:      stringOr(data, DefaultProgressMessage, "message"),
			Percent:      intOr(data, 0, "percent"),
			RecordsFound: intOr(data, intOr(data, 0, "leadsFound"), "recordsFound"),
		}
	case "complete":
		return Event{Kind: KindComplete, Payload: data}
	case "captcha":
		sessionID, err1 := jsonparser.GetString(data, "sessionId")
		siteKey, err2 := jsonparser.GetString(data, "siteKey")
		if err1 != nil || err2 != nil || sessionID == "" || siteKey == "" {
			return Event{Kind: KindUnknown, Tag: tag}
		}
		return Event{Kind: KindChallengeRequired, SessionID: sessionID, SiteKey: siteKey}
	case "error":
		msg := stringOr(data, "", "message")
		if msg == "" {
			msg = stringOr(data, DefaultErrorMessage, "error")
		}
		return Event{Kind: KindError, Message: msg}
	default:
		return Event{Kind: KindUnknown, Tag: tag}
	}
}

func stringOr(data []byte, def string, key string) string {
	s, err := jsonparser.GetString(data, key)
	if err != nil || s == "" {
		return def
	}
	return s
}

// maxInt bounds decoded integers so any JSON number converts safely.
const maxInt = math.MaxInt32

// intOr reads an integer field, accepting floats and numeric strings.
// Values beyond ±maxInt are clamped; NaN yields def.
func intOr(data []byte, def int, key string) int {
	value, typ, _, err := jsonparser.Get(data, key)
	if err != nil {
		return def
	}
	if typ != jsonparser.Number && typ != jsonparser.String {
		return def
	}
	f, err := jsonparser.ParseFloat(value)
	if err != nil || math.IsNaN(f) {
		return def
	}
	switch {
	case f > maxInt:
		return maxInt
	case f < -maxInt:
		return -maxInt
	}
	return int(f)
}
