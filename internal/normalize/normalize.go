// Package normalize extracts contact records from backend response payloads
// whose shape differs between sources.
package normalize

import (
	"github.com/buger/jsonparser"

	"github.com/kalambet/leadchat/internal/events"
	"github.com/kalambet/leadchat/internal/lead"
)

// recordKeys are probed in order when the payload is an object.
var recordKeys = []string{"leads", "data", "results"}

// Records returns the record collection inside payload. It never fails: an
// unrecognised shape yields an empty, non-nil slice.
func Records(payload []byte) []lead.Record {
	recs, _ := findRecords(payload)
	return recs
}

func findRecords(payload []byte) ([]lead.Record, bool) {
	_, typ, _, err := jsonparser.Get(payload)
	if err != nil {
		return []lead.Record{}, false
	}
	if typ == jsonparser.Array {
		return decodeArray(payload), true
	}
	if typ != jsonparser.Object {
		return []lead.Record{}, false
	}
	for _, key := range recordKeys {
		value, vt, _, err := jsonparser.Get(payload, key)
		if err == nil && vt == jsonparser.Array {
			return decodeArray(value), true
		}
	}
	return []lead.Record{}, false
}

func decodeArray(arr []byte) []lead.Record {
	out := []lead.Record{}
	_, _ = jsonparser.ArrayEach(arr, func(value []byte, typ jsonparser.ValueType, _ int, err error) {
		if err != nil || typ != jsonparser.Object {
			return
		}
		var r lead.Record
		if r.UnmarshalJSON(value) != nil {
			return
		}
		out = append(out, r)
	})
	return out
}

// OutcomeKind says what a terminal payload means.
type OutcomeKind int

const (
	OutcomeRecords OutcomeKind = iota
	OutcomeChallenge
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeChallenge:
		return "challenge"
	case OutcomeError:
		return "error"
	default:
		return "records"
	}
}

// Outcome is the classification of a single-shot or resume response body.
type Outcome struct {
	Kind      OutcomeKind
	Records   []lead.Record
	SessionID string
	SiteKey   string
	Message   string
}

// Classify decides whether payload carries records, a challenge, or an
// upstream job error. Records win over everything else; a payload with none
// of the three is a valid empty result.
func Classify(payload []byte) Outcome {
	if recs, ok := findRecords(payload); ok {
		return Outcome{Kind: OutcomeRecords, Records: recs}
	}

	if _, typ, _, err := jsonparser.Get(payload); err != nil || typ != jsonparser.Object {
		return Outcome{Kind: OutcomeRecords, Records: []lead.Record{}}
	}

	if required, err := jsonparser.GetBoolean(payload, "captchaRequired"); err == nil && required {
		sessionID, _ := jsonparser.GetString(payload, "sessionId")
		siteKey, _ := jsonparser.GetString(payload, "siteKey")
		if sessionID != "" && siteKey != "" {
			return Outcome{Kind: OutcomeChallenge, SessionID: sessionID, SiteKey: siteKey}
		}
	}

	errMsg, errErr := jsonparser.GetString(payload, "error")
	msg, msgErr := jsonparser.GetString(payload, "message")
	success, successErr := jsonparser.GetBoolean(payload, "success")

	if (successErr == nil && !success) || errErr == nil || msgErr == nil {
		text := errMsg
		if text == "" {
			text = msg
		}
		if text == "" {
			text = events.DefaultErrorMessage
		}
		return Outcome{Kind: OutcomeError, Message: text}
	}

	return Outcome{Kind: OutcomeRecords, Records: []lead.Record{}}
}
