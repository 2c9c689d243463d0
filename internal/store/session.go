package store

import (
	"database/sql"
	"errors"
	"time"

	"waflow/internal/netclient"
)

// SessionRecord is the durable mirror of one tenant's session: the
// source of truth across process restarts. The credential blob is
// opaque; only the network client interprets it.
type SessionRecord struct {
	TenantID       string
	State          netclient.State
	PairingCode    string
	LinkedPhone    string
	DeviceName     string
	CredentialBlob []byte
	LastSeenAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionStore persists tenant session records.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(s *Store) *SessionStore {
	return &SessionStore{store: s}
}

// Put stores or updates a tenant session record.
func (s *SessionStore) Put(rec *SessionRecord) error {
	now := time.Now().Unix()
	_, err := s.store.Exec(`
		INSERT INTO waflow_tenant_sessions (
			tenant_id, state, pairing_code, linked_phone, device_name,
			credential_blob, last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			state = excluded.state,
			pairing_code = excluded.pairing_code,
			linked_phone = excluded.linked_phone,
			device_name = COALESCE(excluded.device_name, waflow_tenant_sessions.device_name),
			credential_blob = excluded.credential_blob,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`,
		rec.TenantID, string(rec.State), nullString(rec.PairingCode),
		nullString(rec.LinkedPhone), nullString(rec.DeviceName),
		nullBytes(rec.CredentialBlob), rec.LastSeenAt.Unix(), now, now,
	)
	if err != nil {
		return unavailable("put session", err)
	}
	return nil
}

// Get retrieves a tenant session record, or nil if none is stored.
func (s *SessionStore) Get(tenantID string) (*SessionRecord, error) {
	row := s.store.QueryRow(`
		SELECT tenant_id, state, pairing_code, linked_phone, device_name,
			credential_blob, last_seen_at, created_at, updated_at
		FROM waflow_tenant_sessions WHERE tenant_id = ?
	`, tenantID)

	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return rec, nil
}

// Delete removes a tenant session record. Deleting a missing record is
// a no-op.
func (s *SessionStore) Delete(tenantID string) error {
	_, err := s.store.Exec(`DELETE FROM waflow_tenant_sessions WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// GetAll retrieves every stored tenant session record.
func (s *SessionStore) GetAll() ([]*SessionRecord, error) {
	rows, err := s.store.Query(`
		SELECT tenant_id, state, pairing_code, linked_phone, device_name,
			credential_blob, last_seen_at, created_at, updated_at
		FROM waflow_tenant_sessions ORDER BY tenant_id
	`)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("list sessions", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var pairingCode, linkedPhone, deviceName sql.NullString
	var blob []byte
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&rec.TenantID, &state, &pairingCode, &linkedPhone,
		&deviceName, &blob, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.State = netclient.State(state)
	rec.PairingCode = pairingCode.String
	rec.LinkedPhone = linkedPhone.String
	rec.DeviceName = deviceName.String
	rec.CredentialBlob = blob
	rec.LastSeenAt = time.Unix(lastSeen, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}
