package normalize

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/leadchat/internal/lead"
)

var (
	acme  = lead.Record{Name: "Acme Plumbing", Phone: "555-0100", Address: "1 Main St, Austin TX"}
	bolt  = lead.Record{Name: "Bolt Pipes", Phone: "555-0101", Email: "hi@bolt.example", Website: "bolt.example"}
	twoJS = `[{"name":"Acme Plumbing","phone":"555-0100","address":"1 Main St, Austin TX"},` +
		`{"name":"Bolt Pipes","phone":"555-0101","email":"hi@bolt.example","website":"bolt.example"}]`
)

func TestRecords_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []lead.Record
	}{
		{"empty array", `[]`, []lead.Record{}},
		{"bare array", twoJS, []lead.Record{acme, bolt}},
		{"leads", `{"leads":` + twoJS + `}`, []lead.Record{acme, bolt}},
		{"data", `{"data":` + twoJS + `}`, []lead.Record{acme, bolt}},
		{"results", `{"results":` + twoJS + `}`, []lead.Record{acme, bolt}},
		{"no records", `{"foo":1}`, []lead.Record{}},
		{"leads wins over data", `{"data":[{"name":"x"}],"leads":[{"name":"y"}]}`, []lead.Record{{Name: "y"}}},
		{"non-array leads falls through", `{"leads":{"name":"x"},"results":[{"name":"z"}]}`, []lead.Record{{Name: "z"}}},
		{"not json", `<html>`, []lead.Record{}},
		{"empty body", ``, []lead.Record{}},
		{"scalar", `42`, []lead.Record{}},
		{"non-object elements skipped", `[1,"two",{"name":"three"},null]`, []lead.Record{{Name: "three"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Records([]byte(tt.payload))
			if got == nil {
				t.Fatal("Records returned nil, want non-nil slice")
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Records(%s) mismatch (-want +got):\n%s", tt.payload, diff)
			}
		})
	}
}

func TestRecords_NumericFields(t *testing.T) {
	got := Records([]byte(`{"leads":[{"name":"Acme","phone":5550100,"verified":true}]}`))
	want := []lead.Record{{Name: "Acme", Phone: "5550100"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Outcome
	}{
		{
			name:    "records",
			payload: `{"success":true,"leads":` + twoJS + `}`,
			want:    Outcome{Kind: OutcomeRecords, Records: []lead.Record{acme, bolt}},
		},
		{
			name:    "records beat error text",
			payload: `{"message":"done","results":[]}`,
			want:    Outcome{Kind: OutcomeRecords, Records: []lead.Record{}},
		},
		{
			name:    "challenge",
			payload: `{"captchaRequired":true,"sessionId":"abc123","siteKey":"xyz"}`,
			want:    Outcome{Kind: OutcomeChallenge, SessionID: "abc123", SiteKey: "xyz"},
		},
		{
			name:    "challenge without site key is an error",
			payload: `{"captchaRequired":true,"sessionId":"abc123","message":"Captcha required"}`,
			want:    Outcome{Kind: OutcomeError, Message: "Captcha required"},
		},
		{
			name:    "error field",
			payload: `{"error":"Session expired"}`,
			want:    Outcome{Kind: OutcomeError, Message: "Session expired"},
		},
		{
			name:    "message field",
			payload: `{"message":"Quota exceeded"}`,
			want:    Outcome{Kind: OutcomeError, Message: "Quota exceeded"},
		},
		{
			name:    "error preferred over message",
			payload: `{"success":false,"error":"Invalid token","message":"ignored"}`,
			want:    Outcome{Kind: OutcomeError, Message: "Invalid token"},
		},
		{
			name:    "success false without text",
			payload: `{"success":false}`,
			want:    Outcome{Kind: OutcomeError, Message: "Lead generation failed"},
		},
		{
			name:    "unrelated object is empty result",
			payload: `{"foo":1}`,
			want:    Outcome{Kind: OutcomeRecords, Records: []lead.Record{}},
		},
		{
			name:    "garbage is empty result",
			payload: `not json`,
			want:    Outcome{Kind: OutcomeRecords, Records: []lead.Record{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.payload))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Classify(%s) mismatch (-want +got):\n%s", tt.payload, diff)
			}
		})
	}
}
