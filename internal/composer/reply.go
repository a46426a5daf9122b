// Package composer renders the bot reply that closes a chat turn.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/leadchat/internal/lead"
)

// Reply builds the text for a turn that returned records.
func Reply(prompt string, source lead.Source, records []lead.Record) string {
	if len(records) == 0 {
		return NoResults(prompt)
	}

	var b strings.Builder
	if source == lead.SourceScraper {
		fmt.Fprintf(&b, "Successfully scraped %d organic leads from real websites:\n\n", len(records))
	} else {
		fmt.Fprintf(&b, "Successfully generated %d leads using %s:\n\n", len(records), strings.ToUpper(string(source)))
	}
	for i, r := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(Line(i+1, r))
	}
	return b.String()
}

// Line formats one numbered record.
func Line(n int, r lead.Record) string {
	return fmt.Sprintf("%d. %s | %s | %s | %s", n,
		lead.FieldOrNA(r.Name), lead.FieldOrNA(r.Phone), lead.FieldOrNA(r.Email), lead.FieldOrNA(r.Website))
}

// NoResults is the reply for an empty result.
func NoResults(prompt string) string {
	return fmt.Sprintf("No leads found for %q. Please try a different search term or location.", prompt)
}

// Failure is the reply for a failed turn.
func Failure(message string) string {
	return "Failed to fetch leads: " + message
}

// Challenge is the reply for a turn paused behind verification.
func Challenge(c lead.ChallengeContext) string {
	return fmt.Sprintf("Verification required to continue (site key %s). Solve the challenge and submit the token to resume.", c.ChallengeSiteKey)
}
