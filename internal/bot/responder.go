// Package bot answers inbound messages on behalf of a tenant. Keyword
// rules are checked first; when none match and an API key is
// configured, the reply falls through to a chat completion. Replies
// are best effort and never fail the session.
package bot

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"
	waLog "go.mau.fi/whatsmeow/util/log"

	"waflow/internal/infra/config"
	"waflow/internal/netclient"
	"waflow/internal/store"
)

const completionTimeout = 30 * time.Second

// Responder matches inbound messages against tenant keyword rules and
// falls back to an LLM reply.
type Responder struct {
	rules  *store.RuleStore
	cfg    *config.BotConfig
	client *openai.Client
	log    waLog.Logger
}

// NewResponder creates a responder. The LLM fallback is active only
// when the config carries an API key.
func NewResponder(rules *store.RuleStore, cfg *config.BotConfig, log waLog.Logger) *Responder {
	r := &Responder{
		rules: rules,
		cfg:   cfg,
		log:   log.Sub("Bot"),
	}
	if cfg.APIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		cl := openai.NewClient(opts...)
		r.client = &cl
	}
	return r
}

// HandleMessage is the conn.MessageHandler. It replies through the
// session the message arrived on; errors are logged, never propagated.
func (r *Responder) HandleMessage(ctx context.Context, tenantID string, sess netclient.Session, ev netclient.Event) {
	reply := r.replyFor(ctx, tenantID, ev.Text)
	if reply == "" {
		return
	}
	if _, err := sess.Send(ctx, ev.Phone, reply); err != nil {
		r.log.Warnf("Tenant %s: auto-reply to %s failed: %v", tenantID, ev.Phone, err)
	}
}

func (r *Responder) replyFor(ctx context.Context, tenantID, text string) string {
	rules, err := r.rules.ForTenant(tenantID)
	if err != nil {
		r.log.Warnf("Tenant %s: loading rules: %v", tenantID, err)
		return ""
	}

	// First matching rule wins, in stored order.
	lower := strings.ToLower(text)
	for _, rule := range rules {
		if strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			return rule.Reply
		}
	}

	if r.client == nil {
		return ""
	}
	return r.complete(ctx, tenantID, text)
}

func (r *Responder) complete(ctx context.Context, tenantID, text string) string {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Role:    constant.System("system"),
				Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(r.cfg.SystemPrompt)},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Role:    constant.User("user"),
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(text)},
			},
		},
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(r.cfg.Model),
	})
	if err != nil {
		r.log.Warnf("Tenant %s: completion failed: %v", tenantID, err)
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}
