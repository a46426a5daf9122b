package intent

import (
	"strings"

	"github.com/kalambet/leadchat/internal/lead"
)

// Defaults fill in what a caller left out of a lead request.
type Defaults struct {
	Source     lead.Source
	MaxResults int
	// Cap bounds a maxResults derived from the prompt. Zero means no cap.
	Cap int
}

// Build turns a prompt and optional overrides into a validated request.
// An empty source selects d.Source. A non-positive maxResults is derived as
// the larger of the prompt's count and d.MaxResults, bounded by d.Cap.
func (d Defaults) Build(prompt, source string, maxResults int) (lead.AcquisitionRequest, error) {
	src := d.Source
	if strings.TrimSpace(source) != "" {
		parsed, err := lead.ParseSource(source)
		if err != nil {
			return lead.AcquisitionRequest{}, err
		}
		src = parsed
	}

	if maxResults <= 0 {
		maxResults = d.MaxResults
		if n := Parse(prompt).Count; n > maxResults {
			maxResults = n
		}
		if d.Cap > 0 && maxResults > d.Cap {
			maxResults = d.Cap
		}
	}

	req := lead.AcquisitionRequest{
		Prompt:     strings.TrimSpace(prompt),
		Source:     src,
		MaxResults: maxResults,
	}
	if err := req.Validate(); err != nil {
		return lead.AcquisitionRequest{}, err
	}
	return req, nil
}
