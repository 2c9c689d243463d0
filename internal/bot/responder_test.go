package bot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waflow/internal/infra/config"
	"waflow/internal/infra/logger"
	"waflow/internal/netclient"
	"waflow/internal/store"
)

// replySession records auto-replies sent through it.
type replySession struct {
	mu      sync.Mutex
	replies map[string]string
}

func (s *replySession) Send(ctx context.Context, phone, text string) (*netclient.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[phone] = text
	return &netclient.SendResult{MessageID: "MSG-1", Timestamp: time.Now()}, nil
}

func (s *replySession) PairingCode(ctx context.Context) (string, error) { return "", nil }
func (s *replySession) Disconnect()                                     {}
func (s *replySession) Logout(ctx context.Context) error                { return nil }
func (s *replySession) Events() <-chan netclient.Event                  { return nil }

func (s *replySession) replyTo(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies[phone]
}

func newTestResponder(t *testing.T) (*Responder, *store.RuleStore) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger.New("test", "ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rules := store.NewRuleStore(s)
	// No API key: rules only, no LLM fallback.
	cfg := &config.BotConfig{Enabled: true}
	return NewResponder(rules, cfg, logger.New("test", "ERROR")), rules
}

func TestHandleMessage_KeywordMatch(t *testing.T) {
	req := require.New(t)
	responder, rules := newTestResponder(t)
	req.NoError(rules.Put(&store.Rule{
		TenantID: "tenant-a",
		Keyword:  "price",
		Reply:    "Our catalog is at example.com/prices",
		Enabled:  true,
	}))

	sess := &replySession{replies: make(map[string]string)}
	responder.HandleMessage(context.Background(), "tenant-a", sess, netclient.Event{
		Kind:  netclient.EventMessage,
		Phone: "628222",
		Text:  "Hi! What is the PRICE of the blue one?",
	})

	req.Equal("Our catalog is at example.com/prices", sess.replyTo("628222"))
}

func TestHandleMessage_FirstMatchingRuleWins(t *testing.T) {
	req := require.New(t)
	responder, rules := newTestResponder(t)
	req.NoError(rules.Put(&store.Rule{TenantID: "tenant-a", Keyword: "order", Reply: "first", Enabled: true}))
	req.NoError(rules.Put(&store.Rule{TenantID: "tenant-a", Keyword: "order status", Reply: "second", Enabled: true}))

	sess := &replySession{replies: make(map[string]string)}
	responder.HandleMessage(context.Background(), "tenant-a", sess, netclient.Event{
		Phone: "628222",
		Text:  "order status please",
	})

	req.Equal("first", sess.replyTo("628222"))
}

func TestHandleMessage_NoMatchNoReply(t *testing.T) {
	req := require.New(t)
	responder, rules := newTestResponder(t)
	req.NoError(rules.Put(&store.Rule{TenantID: "tenant-a", Keyword: "price", Reply: "x", Enabled: true}))

	sess := &replySession{replies: make(map[string]string)}
	responder.HandleMessage(context.Background(), "tenant-a", sess, netclient.Event{
		Phone: "628222",
		Text:  "hello there",
	})

	req.Empty(sess.replyTo("628222"))
}

func TestHandleMessage_RulesAreTenantScoped(t *testing.T) {
	req := require.New(t)
	responder, rules := newTestResponder(t)
	req.NoError(rules.Put(&store.Rule{TenantID: "tenant-b", Keyword: "price", Reply: "x", Enabled: true}))

	sess := &replySession{replies: make(map[string]string)}
	responder.HandleMessage(context.Background(), "tenant-a", sess, netclient.Event{
		Phone: "628222",
		Text:  "price?",
	})

	req.Empty(sess.replyTo("628222"))
}

func TestHandleMessage_DisabledRulesIgnored(t *testing.T) {
	req := require.New(t)
	responder, rules := newTestResponder(t)
	req.NoError(rules.Put(&store.Rule{TenantID: "tenant-a", Keyword: "price", Reply: "x", Enabled: false}))

	sess := &replySession{replies: make(map[string]string)}
	responder.HandleMessage(context.Background(), "tenant-a", sess, netclient.Event{
		Phone: "628222",
		Text:  "price?",
	})

	req.Empty(sess.replyTo("628222"))
}
