package channel

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// CustomAPI dispatches a custom_api account to the OpenAI-compatible
// adapter or the Claude-passthrough adapter by the account's Format field
// (§3) — one Type maps to two wire shapes, so it's the account row, not
// the channel registry, that decides which of the two does the work.
type CustomAPI struct {
	openai *OpenAI
	claude *ClaudePassthrough
}

func NewCustomAPI() *CustomAPI {
	return &CustomAPI{openai: NewOpenAI(), claude: NewClaudePassthrough()}
}

func (c *CustomAPI) Name() string { return "custom_api" }

func (c *CustomAPI) Execute(ctx context.Context, req claude.Request, model string, a *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	ext, err := a.Extension()
	if err != nil {
		return claude.Usage{}, fmt.Errorf("channel: custom_api: decode extension: %w", err)
	}
	switch ext.Format {
	case account.FormatClaude:
		return c.claude.Execute(ctx, req, model, a, accessToken, sc, emit)
	default:
		return c.openai.Execute(ctx, req, model, a, accessToken, sc, emit)
	}
}
