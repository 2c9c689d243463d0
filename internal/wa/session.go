package wa

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"waflow/internal/netclient"
)

// eventBuffer bounds the per-session event channel. The manager's pump
// drains it continuously; if it ever falls behind, newer events win.
const eventBuffer = 128

type session struct {
	client   *Client
	wac      *whatsmeow.Client
	tenantID string
	log      waLog.Logger

	events chan netclient.Event
	codeCh chan string

	mu     sync.Mutex
	closed bool
}

func newSession(c *Client, wac *whatsmeow.Client, tenantID string) *session {
	return &session{
		client:   c,
		wac:      wac,
		tenantID: tenantID,
		log:      c.log.Sub("Session/" + tenantID),
		events:   make(chan netclient.Event, eventBuffer),
		codeCh:   make(chan string, 1),
	}
}

// Events implements netclient.Session.
func (s *session) Events() <-chan netclient.Event {
	return s.events
}

// PairingCode blocks until the next pairing code rotates in.
func (s *session) PairingCode(ctx context.Context) (string, error) {
	select {
	case code := <-s.codeCh:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send delivers a plain text message to a phone number.
func (s *session) Send(ctx context.Context, phone, text string) (*netclient.SendResult, error) {
	to := types.NewJID(phone, types.DefaultUserServer)
	msg := &waE2E.Message{Conversation: proto.String(text)}

	resp, err := s.wac.SendMessage(ctx, to, msg)
	if err != nil {
		return nil, err
	}
	return &netclient.SendResult{
		MessageID: string(resp.ID),
		Timestamp: resp.Timestamp,
	}, nil
}

// Disconnect implements netclient.Session.
func (s *session) Disconnect() {
	s.wac.Disconnect()
	s.close()
}

// Logout invalidates the linked phone's authorization and deletes the
// device row from the container. Logout is destructive locally even
// when the protocol call fails: the device row is dropped regardless.
func (s *session) Logout(ctx context.Context) error {
	err := s.wac.Logout(ctx)
	if err != nil {
		if derr := s.client.container.DeleteDevice(ctx, s.wac.Store); derr != nil {
			s.log.Warnf("Deleting device row after failed logout: %v", derr)
		}
	}
	s.close()
	return err
}

// consumeQR forwards rotating QR codes from the pairing channel.
func (s *session) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.pushCode(item.Code)
		case "success":
			// PairSuccess arrives via the main event handler.
		case "timeout":
			s.log.Warnf("Pairing window timed out")
			s.emit(netclient.Event{Kind: netclient.EventDisconnected, At: time.Now()})
		default:
			if item.Error != nil {
				s.log.Errorf("Pairing failed: %v", item.Error)
				s.emit(netclient.Event{Kind: netclient.EventDisconnected, At: time.Now()})
			}
		}
	}
}

func (s *session) pushCode(code string) {
	if path, err := writeQRFile(code, s.client.cfg.StorePath, s.tenantID); err != nil {
		s.log.Warnf("Failed to render QR image: %v", err)
	} else {
		s.log.Debugf("Pairing QR rendered to %s", path)
	}

	// Keep only the newest unconsumed code.
	select {
	case <-s.codeCh:
	default:
	}
	s.codeCh <- code

	s.emit(netclient.Event{Kind: netclient.EventPairingCode, Code: code, At: time.Now()})
}

// handleEvent translates whatsmeow events into the netclient stream.
func (s *session) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		RemoveQRFile(s.client.cfg.StorePath, s.tenantID)
		s.emit(netclient.Event{
			Kind:        netclient.EventPaired,
			Phone:       e.ID.User,
			Credentials: []byte(e.ID.String()),
			At:          time.Now(),
		})

	case *events.Connected:
		s.emit(netclient.Event{Kind: netclient.EventConnected, At: time.Now()})

	case *events.Disconnected:
		s.emit(netclient.Event{Kind: netclient.EventDisconnected, At: time.Now()})

	case *events.StreamReplaced:
		s.emit(netclient.Event{Kind: netclient.EventDisconnected, At: time.Now()})

	case *events.LoggedOut:
		s.emit(netclient.Event{Kind: netclient.EventLoggedOut, At: time.Now()})

	case *events.Receipt:
		kind, ok := receiptKind(e.Type)
		if !ok {
			return
		}
		ids := make([]string, len(e.MessageIDs))
		for i, id := range e.MessageIDs {
			ids[i] = string(id)
		}
		s.emit(netclient.Event{
			Kind:       netclient.EventReceipt,
			MessageIDs: ids,
			Receipt:    kind,
			At:         e.Timestamp,
		})

	case *events.Message:
		if e.Info.IsFromMe || e.Info.IsGroup {
			return
		}
		text := extractText(e.Message)
		if text == "" {
			return
		}
		s.emit(netclient.Event{
			Kind:  netclient.EventMessage,
			Phone: e.Info.Sender.User,
			Text:  text,
			At:    e.Info.Timestamp,
		})
	}
}

func receiptKind(t types.ReceiptType) (netclient.ReceiptKind, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return netclient.ReceiptDelivered, true
	case types.ReceiptTypeRead:
		return netclient.ReceiptRead, true
	}
	return "", false
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

func (s *session) emit(ev netclient.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("Event buffer full, dropping event kind=%d", ev.Kind)
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Ensure session implements netclient.Session.
var _ netclient.Session = (*session)(nil)
