// Package conn owns the registry of live tenant sessions and drives
// the pairing/reconnect state machine. Every state transition is
// persisted to the credential store before it is visible in memory, so
// a crash mid-transition leaves the store at the last committed state.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"waflow/internal/netclient"
	"waflow/internal/store"
)

// CredentialStore is the persistence boundary the manager writes
// through. *store.SessionStore satisfies it; tests substitute fakes.
type CredentialStore interface {
	Get(tenantID string) (*store.SessionRecord, error)
	Put(rec *store.SessionRecord) error
	Delete(tenantID string) error
}

// Info is a read-only snapshot of one tenant's session.
type Info struct {
	TenantID    string
	State       netclient.State
	PairingCode string
	LinkedPhone string
	LastSeenAt  time.Time
}

// StateChange is broadcast to subscribers on every committed
// transition, so upper layers can push instead of re-polling.
type StateChange struct {
	TenantID    string
	State       netclient.State
	LinkedPhone string
}

// ReceiptHandler receives delivery receipt events from live sessions.
type ReceiptHandler func(tenantID string, ev netclient.Event)

// MessageHandler receives inbound messages from live sessions.
type MessageHandler func(ctx context.Context, tenantID string, sess netclient.Session, ev netclient.Event)

// Manager owns all live tenant sessions, at most one per tenant.
type Manager struct {
	client  netclient.Client
	creds   CredentialStore
	codeTTL time.Duration
	log     waLog.Logger

	mu      sync.Mutex
	tenants map[string]*tenant

	subMu sync.Mutex
	subs  map[chan StateChange]struct{}

	onReceipt ReceiptHandler
	onMessage MessageHandler
}

// sessionState is the transition-guarded part of a tenant entry. It is
// mutated only through Manager.commit so memory never runs ahead of
// the store.
type sessionState struct {
	state          netclient.State
	pairingCode    string
	pairingExpires time.Time
	linkedPhone    string
	creds          []byte
	lastSeen       time.Time
}

type tenant struct {
	id string

	// mu serializes state transitions for this tenant only; other
	// tenants' transitions proceed independently.
	mu sync.Mutex
	sessionState
	sess netclient.Session
}

// NewManager creates a connection manager.
func NewManager(client netclient.Client, creds CredentialStore, codeTTL time.Duration, log waLog.Logger) *Manager {
	return &Manager{
		client:  client,
		creds:   creds,
		codeTTL: codeTTL,
		log:     log.Sub("Conn"),
		tenants: make(map[string]*tenant),
		subs:    make(map[chan StateChange]struct{}),
	}
}

// SetReceiptHandler wires the delivery receipt sink. Call before any
// connections are created.
func (m *Manager) SetReceiptHandler(fn ReceiptHandler) {
	m.onReceipt = fn
}

// SetMessageHandler wires the inbound message sink. Call before any
// connections are created.
func (m *Manager) SetMessageHandler(fn MessageHandler) {
	m.onMessage = fn
}

// CreateConnection returns the tenant's live session, creating one if
// needed: resuming from stored credentials when possible, otherwise
// starting a fresh pairing flow.
func (m *Manager) CreateConnection(ctx context.Context, tenantID string) (*Info, error) {
	t := m.entryLocked(tenantID)
	defer t.mu.Unlock()

	if t.sess != nil {
		if t.state == netclient.StateQRPending && !time.Now().Before(t.pairingExpires) {
			return m.rotatePairingCode(ctx, t)
		}
		return t.info(), nil
	}

	rec, err := m.creds.Get(tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: load credentials: %w", tenantID, err)
	}
	var blob []byte
	if rec != nil && rec.State != netclient.StateLoggedOut {
		blob = rec.CredentialBlob
	}

	res, err := m.client.Connect(ctx, tenantID, blob)
	if err != nil {
		if errors.Is(err, netclient.ErrInvalidCredentials) {
			// The network rejected the stored blob. Force logged_out so
			// the next attempt starts a fresh pairing flow.
			if cerr := m.commit(t, func(s *sessionState) {
				s.state = netclient.StateLoggedOut
				s.creds = nil
				s.pairingCode = ""
				s.linkedPhone = ""
			}); cerr != nil {
				m.log.Warnf("Tenant %s: persisting logged_out after credential rejection: %v", tenantID, cerr)
			}
		}
		return nil, err
	}

	if err := m.adopt(t, res); err != nil {
		res.Session.Disconnect()
		return nil, err
	}
	return t.info(), nil
}

// GetConnection returns the tenant's session snapshot without creating
// one. Side-effect free.
func (m *Manager) GetConnection(tenantID string) (*Info, bool) {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info(), true
}

// GetAllConnections returns a snapshot of every registered session.
// Callers never see the live registry.
func (m *Manager) GetAllConnections() map[string]*Info {
	m.mu.Lock()
	entries := make([]*tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		entries = append(entries, t)
	}
	m.mu.Unlock()

	out := make(map[string]*Info, len(entries))
	for _, t := range entries {
		t.mu.Lock()
		out[t.id] = t.info()
		t.mu.Unlock()
	}
	return out
}

// CloseConnection tears down the live session but preserves stored
// credentials, so the tenant can resume without re-pairing. Idempotent.
func (m *Manager) CloseConnection(tenantID string) error {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !m.registered(tenantID, t) {
		// A concurrent ClearSession already tore this entry down.
		return nil
	}
	if t.sess != nil {
		t.sess.Disconnect()
		t.sess = nil
	}
	if t.state == netclient.StateDisconnected || t.state == netclient.StateLoggedOut {
		return nil
	}
	return m.commit(t, func(s *sessionState) {
		s.state = netclient.StateDisconnected
		s.pairingCode = ""
		s.linkedPhone = ""
	})
}

// ClearSession destroys the stored credentials and the live session.
// The tenant must re-pair from scratch. Idempotent.
func (m *Manager) ClearSession(tenantID string) error {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if ok {
		// Teardown and registry removal happen under the entry lock so
		// a racing CreateConnection either finishes before the clear or
		// observes the entry gone and starts over; it can never adopt a
		// session onto an entry outside the registry.
		t.mu.Lock()
		if t.sess != nil {
			t.sess.Disconnect()
			t.sess = nil
		}
		m.mu.Lock()
		if m.tenants[tenantID] == t {
			delete(m.tenants, tenantID)
		}
		m.mu.Unlock()
		t.mu.Unlock()
	}

	// The network-client state behind the blob dies with the session.
	if rec, err := m.creds.Get(tenantID); err == nil && rec != nil && len(rec.CredentialBlob) > 0 {
		if derr := m.client.Discard(context.Background(), rec.CredentialBlob); derr != nil {
			m.log.Warnf("Tenant %s: discarding credentials: %v", tenantID, derr)
		}
	}

	if err := m.creds.Delete(tenantID); err != nil {
		return fmt.Errorf("tenant %s: clear session: %w", tenantID, err)
	}
	m.publish(StateChange{TenantID: tenantID, State: netclient.StateDisconnected})
	return nil
}

// Logout performs a protocol-level logout, invalidating the linked
// phone's authorization, then destroys local credentials. The tenant
// stays registered as logged_out, which suppresses auto-resume until
// an explicit re-pair. Idempotent.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	t := m.entryLocked(tenantID)
	defer t.mu.Unlock()

	if t.sess != nil {
		if err := t.sess.Logout(ctx); err != nil {
			// Credentials are cleared locally regardless.
			m.log.Warnf("Tenant %s: protocol logout failed: %v", tenantID, err)
		}
		t.sess = nil
	} else {
		// No live session to log out through; drop the network-client
		// state behind the stored blob so it cannot be resumed.
		blob := t.creds
		if len(blob) == 0 {
			if rec, err := m.creds.Get(tenantID); err == nil && rec != nil {
				blob = rec.CredentialBlob
			}
		}
		if len(blob) > 0 {
			if err := m.client.Discard(ctx, blob); err != nil {
				m.log.Warnf("Tenant %s: discarding credentials: %v", tenantID, err)
			}
		}
	}
	return m.commit(t, func(s *sessionState) {
		s.state = netclient.StateLoggedOut
		s.creds = nil
		s.pairingCode = ""
		s.linkedPhone = ""
	})
}

// Send streams one message through the tenant's connected session.
func (m *Manager) Send(ctx context.Context, tenantID, phone, text string) (*netclient.SendResult, error) {
	m.mu.Lock()
	t, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tenant %s has no session: %w", tenantID, netclient.ErrSessionUnavailable)
	}

	t.mu.Lock()
	sess, state := t.sess, t.state
	t.mu.Unlock()
	if sess == nil || state != netclient.StateConnected {
		return nil, fmt.Errorf("tenant %s is %s: %w", tenantID, state, netclient.ErrSessionUnavailable)
	}

	res, err := sess.Send(ctx, phone, text)
	if err == nil {
		t.mu.Lock()
		t.lastSeen = time.Now()
		t.mu.Unlock()
	}
	return res, err
}

// ResolveByPhone locates the authoritative connected session for a
// phone number, independent of tenant id. Used by the reconciliation
// path when a tenant record was replaced; duplicates are resolved
// first (the older session is closed).
func (m *Manager) ResolveByPhone(phone string) (*Info, bool) {
	m.reconcilePhone(phone)
	for _, inf := range m.GetAllConnections() {
		if inf.State == netclient.StateConnected && inf.LinkedPhone == phone {
			return inf, true
		}
	}
	return nil, false
}

// Subscribe registers a state-change listener. Slow listeners miss
// updates rather than stalling transitions. The returned cancel func
// closes the channel.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Shutdown disconnects every live session without touching persisted
// state; after a restart each tenant resumes lazily on next access.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		entries = append(entries, t)
	}
	m.mu.Unlock()

	for _, t := range entries {
		t.mu.Lock()
		if t.sess != nil {
			t.sess.Disconnect()
			t.sess = nil
		}
		t.mu.Unlock()
	}
}

func (m *Manager) entry(tenantID string) *tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		t = &tenant{
			id:           tenantID,
			sessionState: sessionState{state: netclient.StateDisconnected},
		}
		m.tenants[tenantID] = t
	}
	return t
}

// entryLocked returns the tenant entry with its mutex held. A
// concurrent ClearSession can remove an entry between lookup and lock;
// transitions on such an orphan would bypass the registry, so the
// lookup is retried until the locked entry is the registered one.
func (m *Manager) entryLocked(tenantID string) *tenant {
	for {
		t := m.entry(tenantID)
		t.mu.Lock()
		if m.registered(tenantID, t) {
			return t
		}
		t.mu.Unlock()
	}
}

func (m *Manager) registered(tenantID string, t *tenant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[tenantID] == t
}

// commit applies a mutation to a candidate state, persists it, and
// only then installs it in memory. A store failure leaves memory at
// the last committed state. Caller holds t.mu.
func (m *Manager) commit(t *tenant, mutate func(*sessionState)) error {
	next := t.sessionState
	mutate(&next)
	next.lastSeen = time.Now()

	rec := &store.SessionRecord{
		TenantID:       t.id,
		State:          next.state,
		PairingCode:    next.pairingCode,
		LinkedPhone:    next.linkedPhone,
		CredentialBlob: next.creds,
		LastSeenAt:     next.lastSeen,
	}
	if err := m.creds.Put(rec); err != nil {
		return fmt.Errorf("tenant %s: persist transition to %s: %w", t.id, next.state, err)
	}

	t.sessionState = next
	m.publish(StateChange{TenantID: t.id, State: next.state, LinkedPhone: next.linkedPhone})
	return nil
}

// adopt installs a freshly connected session. Caller holds t.mu.
func (m *Manager) adopt(t *tenant, res *netclient.ConnectResult) error {
	err := m.commit(t, func(s *sessionState) {
		s.state = res.State
		s.pairingCode = res.PairingCode
		if res.PairingCode != "" {
			s.pairingExpires = time.Now().Add(m.codeTTL)
		} else {
			s.pairingExpires = time.Time{}
		}
		s.linkedPhone = res.LinkedPhone
		if len(res.Credentials) > 0 {
			s.creds = res.Credentials
		}
	})
	if err != nil {
		return err
	}

	t.sess = res.Session
	go m.pump(t, res.Session)
	return nil
}

// rotatePairingCode replaces an expired, unconsumed pairing code. The
// session reverts to connecting, then re-enters qr_pending with a
// fresh code; expired codes are never reused. Caller holds t.mu.
func (m *Manager) rotatePairingCode(ctx context.Context, t *tenant) (*Info, error) {
	if err := m.commit(t, func(s *sessionState) {
		s.state = netclient.StateConnecting
		s.pairingCode = ""
	}); err != nil {
		return nil, err
	}

	code, err := t.sess.PairingCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: pairing code: %w: %v", t.id, netclient.ErrSessionUnavailable, err)
	}

	if err := m.commit(t, func(s *sessionState) {
		s.state = netclient.StateQRPending
		s.pairingCode = code
		s.pairingExpires = time.Now().Add(m.codeTTL)
	}); err != nil {
		return nil, err
	}
	return t.info(), nil
}

// reconcilePhone closes stale duplicates: when two connected sessions
// report the same phone, the older one (by last activity) loses.
func (m *Manager) reconcilePhone(phone string) {
	type candidate struct {
		id       string
		lastSeen time.Time
	}

	m.mu.Lock()
	entries := make([]*tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		entries = append(entries, t)
	}
	m.mu.Unlock()

	var cands []candidate
	for _, t := range entries {
		t.mu.Lock()
		if t.state == netclient.StateConnected && t.linkedPhone == phone {
			cands = append(cands, candidate{id: t.id, lastSeen: t.lastSeen})
		}
		t.mu.Unlock()
	}
	if len(cands) < 2 {
		return
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].lastSeen.After(cands[j].lastSeen) })
	for _, stale := range cands[1:] {
		m.log.Warnf("Tenant %s holds a stale session for phone %s, closing it", stale.id, phone)
		if err := m.CloseConnection(stale.id); err != nil {
			m.log.Errorf("Tenant %s: closing stale session: %v", stale.id, err)
		}
	}
}

func (m *Manager) publish(change StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (t *tenant) info() *Info {
	inf := &Info{
		TenantID:   t.id,
		State:      t.state,
		LastSeenAt: t.lastSeen,
	}
	// pairingCode only in qr_pending; linkedPhone iff connected.
	if t.state == netclient.StateQRPending {
		inf.PairingCode = t.pairingCode
	}
	if t.state == netclient.StateConnected {
		inf.LinkedPhone = t.linkedPhone
	}
	return inf
}
