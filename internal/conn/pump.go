package conn

import (
	"context"
	"time"

	"waflow/internal/netclient"
)

// pump drains one session's event stream and applies state machine
// transitions. It exits when the session closes its channel. A pump
// whose session has been replaced in the registry goes inert: every
// event is discarded until the channel closes.
func (m *Manager) pump(t *tenant, sess netclient.Session) {
	for ev := range sess.Events() {
		m.handleSessionEvent(t, sess, ev)
	}
}

func (m *Manager) handleSessionEvent(t *tenant, sess netclient.Session, ev netclient.Event) {
	t.mu.Lock()

	if t.sess != sess {
		t.mu.Unlock()
		return
	}

	switch ev.Kind {
	case netclient.EventPairingCode:
		// Codes arriving outside a pairing flow (late rotations after
		// pairing succeeded) are ignored.
		if t.state != netclient.StateQRPending && t.state != netclient.StateConnecting {
			break
		}
		m.commitEvent(t, "pairing code", func(s *sessionState) {
			s.state = netclient.StateQRPending
			s.pairingCode = ev.Code
			s.pairingExpires = time.Now().Add(m.codeTTL)
		})

	case netclient.EventPaired:
		m.commitEvent(t, "paired", func(s *sessionState) {
			s.state = netclient.StateConnecting
			s.pairingCode = ""
			s.linkedPhone = ev.Phone
			s.creds = ev.Credentials
		})

	case netclient.EventConnected:
		m.commitEvent(t, "connected", func(s *sessionState) {
			s.state = netclient.StateConnected
			s.pairingCode = ""
		})
		phone := t.linkedPhone
		t.mu.Unlock()
		if phone != "" {
			m.reconcilePhone(phone)
		}
		return

	case netclient.EventDisconnected:
		// The session object stays live; the network layer reconnects
		// on its own and a later EventConnected flips the state back.
		if t.state == netclient.StateLoggedOut {
			break
		}
		m.commitEvent(t, "disconnected", func(s *sessionState) {
			s.state = netclient.StateDisconnected
			s.pairingCode = ""
		})

	case netclient.EventLoggedOut:
		m.commitEvent(t, "logged out", func(s *sessionState) {
			s.state = netclient.StateLoggedOut
			s.creds = nil
			s.pairingCode = ""
			s.linkedPhone = ""
		})
		t.sess = nil
		t.mu.Unlock()
		sess.Disconnect()
		return

	case netclient.EventCredentials:
		m.commitEvent(t, "credentials", func(s *sessionState) {
			s.creds = ev.Credentials
		})

	case netclient.EventReceipt:
		t.lastSeen = time.Now()
		handler := m.onReceipt
		t.mu.Unlock()
		if handler != nil {
			handler(t.id, ev)
		}
		return

	case netclient.EventMessage:
		t.lastSeen = time.Now()
		handler := m.onMessage
		t.mu.Unlock()
		if handler != nil {
			go handler(context.Background(), t.id, sess, ev)
		}
		return
	}

	t.mu.Unlock()
}

// commitEvent is commit with pump-side error handling: a store failure
// leaves the tenant at its last committed state and is logged, since
// there is no caller to return it to. Caller holds t.mu.
func (m *Manager) commitEvent(t *tenant, what string, mutate func(*sessionState)) {
	if err := m.commit(t, mutate); err != nil {
		m.log.Errorf("Tenant %s: dropping %s transition: %v", t.id, what, err)
	}
}
