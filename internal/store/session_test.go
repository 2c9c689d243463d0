package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waflow/internal/netclient"
)

func TestSessionStore_PutGetRoundtrip(t *testing.T) {
	req := require.New(t)
	sessions := NewSessionStore(newTestStore(t))

	rec := &SessionRecord{
		TenantID:       "tenant-a",
		State:          netclient.StateConnected,
		LinkedPhone:    "628111222333",
		DeviceName:     "Waflow",
		CredentialBlob: []byte("628111222333.0:1@s.whatsapp.net"),
		LastSeenAt:     time.Now(),
	}
	req.NoError(sessions.Put(rec))

	got, err := sessions.Get("tenant-a")
	req.NoError(err)
	req.NotNil(got)
	req.Equal(netclient.StateConnected, got.State)
	req.Equal("628111222333", got.LinkedPhone)
	req.Equal(rec.CredentialBlob, got.CredentialBlob)
	req.Empty(got.PairingCode)
}

func TestSessionStore_GetMissingReturnsNil(t *testing.T) {
	req := require.New(t)
	sessions := NewSessionStore(newTestStore(t))

	got, err := sessions.Get("nobody")
	req.NoError(err)
	req.Nil(got)
}

func TestSessionStore_PutUpsertsAndClearsCredentials(t *testing.T) {
	req := require.New(t)
	sessions := NewSessionStore(newTestStore(t))

	req.NoError(sessions.Put(&SessionRecord{
		TenantID:       "tenant-a",
		State:          netclient.StateConnected,
		CredentialBlob: []byte("creds"),
		LastSeenAt:     time.Now(),
	}))
	req.NoError(sessions.Put(&SessionRecord{
		TenantID:   "tenant-a",
		State:      netclient.StateLoggedOut,
		LastSeenAt: time.Now(),
	}))

	got, err := sessions.Get("tenant-a")
	req.NoError(err)
	req.Equal(netclient.StateLoggedOut, got.State)
	req.Empty(got.CredentialBlob)
}

func TestSessionStore_DeleteIsIdempotent(t *testing.T) {
	req := require.New(t)
	sessions := NewSessionStore(newTestStore(t))

	req.NoError(sessions.Put(&SessionRecord{
		TenantID:   "tenant-a",
		State:      netclient.StateDisconnected,
		LastSeenAt: time.Now(),
	}))
	req.NoError(sessions.Delete("tenant-a"))
	req.NoError(sessions.Delete("tenant-a"))

	got, err := sessions.Get("tenant-a")
	req.NoError(err)
	req.Nil(got)
}

func TestSessionStore_GetAll(t *testing.T) {
	req := require.New(t)
	sessions := NewSessionStore(newTestStore(t))

	for _, id := range []string{"b", "a", "c"} {
		req.NoError(sessions.Put(&SessionRecord{
			TenantID:   id,
			State:      netclient.StateDisconnected,
			LastSeenAt: time.Now(),
		}))
	}

	all, err := sessions.GetAll()
	req.NoError(err)
	req.Len(all, 3)
	req.Equal("a", all[0].TenantID)
	req.Equal("c", all[2].TenantID)
}
