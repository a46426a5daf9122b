// Package intent reads the niche, location and requested count out of a
// free-text lead request such as "generate 20 leads of plumbers in Texas".
package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultCount is used when the prompt names no number.
const DefaultCount = 50

var (
	generateCountRe = regexp.MustCompile(`(?i)\bgenerate\s+(\d+)`)
	leadsCountRe    = regexp.MustCompile(`(?i)\b(\d+)\s*leads?\b`)
	nicheRe         = regexp.MustCompile(`(?i)\b(?:for|about|of)\s+([a-z][a-z\s&'-]*?)\s*(?:\b(?:in|near|around)\b|[,.;!?]|$)`)
	locationRe      = regexp.MustCompile(`(?i)\b(?:in|near|around)\s+([a-z][a-z\s,.'-]*)`)
)

// Intent is what a prompt asks for. Empty fields were not found.
type Intent struct {
	Niche    string `json:"niche,omitempty"`
	Location string `json:"location,omitempty"`
	Count    int    `json:"count"`
	// CountGiven is false when Count is DefaultCount because the prompt
	// named no number.
	CountGiven bool `json:"countGiven"`
}

// Parse interprets prompt. It never fails; unrecognised prompts yield an
// Intent with only the default count.
func Parse(prompt string) Intent {
	in := Intent{Count: DefaultCount}

	if n, ok := count(prompt); ok {
		in.Count = n
		in.CountGiven = true
	}
	if m := nicheRe.FindStringSubmatch(prompt); m != nil {
		in.Niche = tidy(m[1])
	}
	if m := locationRe.FindStringSubmatch(prompt); m != nil {
		in.Location = tidy(m[1])
	}
	return in
}

func count(prompt string) (int, bool) {
	for _, re := range []*regexp.Regexp{generateCountRe, leadsCountRe} {
		m := re.FindStringSubmatch(prompt)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

func tidy(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, " ,.'-")
}

// Describe renders the intent for a status line.
func (i Intent) Describe() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(i.Count))
	b.WriteString(" leads")
	if i.Niche != "" {
		fmt.Fprintf(&b, " of %s", i.Niche)
	}
	if i.Location != "" {
		fmt.Fprintf(&b, " in %s", i.Location)
	}
	return b.String()
}
