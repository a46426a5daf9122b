package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/leadchat/internal/composer"
	"github.com/kalambet/leadchat/internal/intent"
	"github.com/kalambet/leadchat/internal/lead"
	"github.com/kalambet/leadchat/internal/session"
)

// DefaultToolTimeout bounds how long a tool call waits for a turn to end.
const DefaultToolTimeout = 10 * time.Minute

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry    *session.Registry
	Journal     SessionJournal // optional; the recent-sessions resource needs it
	Defaults    intent.Defaults
	ToolTimeout time.Duration
	Version     string
}

// NewMCPServer creates an MCP server with the lead tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = DefaultToolTimeout
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		"leadchat",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadchat generates business leads from a natural-language request. A request may pause for human verification; solve it with solve_challenge."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_leads",
			mcp.WithDescription("Generate business leads for a request such as \"generate 20 leads of plumbers in Texas\". Blocks until the leads are ready, the request fails, or verification is required."),
			mcp.WithString("prompt", mcp.Description("What leads to find"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Lead source: apify, apollo or scraper")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of leads; derived from the prompt when omitted")),
			mcp.WithString("conversation_id", mcp.Description("Conversation to run in; a new one is created when omitted")),
		),
		mcpGenerateLeads(deps),
	)

	s.AddTool(
		mcp.NewTool("solve_challenge",
			mcp.WithDescription("Submit the verification token for a conversation paused by generate_leads and wait for the leads."),
			mcp.WithString("conversation_id", mcp.Description("Conversation awaiting verification"), mcp.Required()),
			mcp.WithString("proof", mcp.Description("Token produced by solving the challenge"), mcp.Required()),
		),
		mcpSolveChallenge(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_challenge",
			mcp.WithDescription("Discard the pending verification of a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation awaiting verification"), mcp.Required()),
		),
		mcpCancelChallenge(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"leads://sessions/recent",
			"Recent Sessions",
			mcp.WithResourceDescription("Last 10 lead sessions with their outcome"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpGenerateLeads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		acq, err := deps.Defaults.Build(prompt, req.GetString("source", ""), req.GetInt("max_results", 0))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		id := req.GetString("conversation_id", "")
		if id == "" {
			id = uuid.NewString()
		}
		c, err := deps.Registry.Get(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := c.Start(acq); err != nil {
			return mcpError(err.Error()), nil
		}
		return waitForTurn(ctx, deps, c), nil
	}
}

func mcpSolveChallenge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		proof, err := req.RequireString("proof")
		if err != nil {
			return mcpError("proof is required"), nil
		}

		c, err := challengeTarget(ctx, deps.Registry, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := c.Resume(proof); err != nil {
			return mcpError(err.Error()), nil
		}
		return waitForTurn(ctx, deps, c), nil
	}
}

func mcpCancelChallenge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		c, err := challengeTarget(ctx, deps.Registry, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := c.Cancel(); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Verification for conversation %s cancelled.", id)), nil
	}
}

func waitForTurn(ctx context.Context, deps MCPDeps, c *session.Controller) *mcp.CallToolResult {
	ctx, cancel := context.WithTimeout(ctx, deps.ToolTimeout)
	defer cancel()

	out, err := c.Wait(ctx)
	if err != nil {
		return mcpError(fmt.Sprintf("still running in conversation %s: %v", c.ConversationID(), err))
	}

	switch out.State {
	case lead.StateCompleted:
		return mcpText(composer.Reply(out.Request.Prompt, out.Request.Source, out.Records))
	case lead.StateAwaitingChallenge:
		if out.Challenge == nil {
			break
		}
		return mcpText(fmt.Sprintf("%s\nconversation_id: %s\nsession_id: %s\nsite_key: %s",
			composer.Challenge(*out.Challenge), c.ConversationID(), out.Challenge.SessionID, out.Challenge.ChallengeSiteKey))
	case lead.StateFailed:
		return mcpError(composer.Failure(out.Message))
	}
	return mcpError(fmt.Sprintf("turn ended without a result (%s)", out.Message))
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Journal == nil {
			return nil, fmt.Errorf("session journal not configured")
		}
		sessions, err := deps.Journal.ListSessions("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		type sessionSummary struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
			StartedAt      string `json:"started_at"`
			Source         string `json:"source"`
			Prompt         string `json:"prompt"`
			Outcome        string `json:"outcome"`
			Records        int    `json:"records"`
		}

		summaries := make([]sessionSummary, len(sessions))
		for i, s := range sessions {
			prompt := s.Prompt
			if utf8.RuneCountInString(prompt) > 200 {
				runes := []rune(prompt)
				prompt = string(runes[:200]) + "..."
			}
			summaries[i] = sessionSummary{
				ID:             s.ID,
				ConversationID: s.ConversationID,
				StartedAt:      s.StartedAt.Format(time.RFC3339),
				Source:         string(s.Source),
				Prompt:         prompt,
				Outcome:        s.Outcome,
				Records:        s.Records,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
