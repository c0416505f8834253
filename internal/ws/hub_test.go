package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantum-server/internal/models"
)

func TestHubRegisterLookupUnregister(t *testing.T) {
	hub := NewHub()
	userID := uuid.New()
	client := newClient(nil, ConnInfo{ConnID: "c1"})

	require.Empty(t, hub.Lookup(userID))

	hub.Register(userID, client)
	require.Len(t, hub.Lookup(userID), 1)

	// registering twice must not duplicate the entry
	hub.Register(userID, client)
	require.Len(t, hub.Lookup(userID), 1)

	hub.Unregister(userID, client)
	assert.Empty(t, hub.Lookup(userID))
	assert.Empty(t, hub.sessions)
}

func TestHubUnregisterUnknownIdentity(t *testing.T) {
	hub := NewHub()
	hub.Unregister(uuid.New(), newClient(nil, ConnInfo{}))
	assert.Empty(t, hub.sessions)
}

func TestHubMultiDevice(t *testing.T) {
	hub := NewHub()
	userID := uuid.New()
	first := newClient(nil, ConnInfo{ConnID: "c1"})
	second := newClient(nil, ConnInfo{ConnID: "c2"})

	hub.Register(userID, first)
	hub.Register(userID, second)
	require.Len(t, hub.Lookup(userID), 2)

	hub.Unregister(userID, first)
	require.Len(t, hub.Lookup(userID), 1)
	assert.Contains(t, hub.sessions, userID)

	hub.Unregister(userID, second)
	assert.NotContains(t, hub.sessions, userID)
}

func TestHubNotifySkipsOfflineRecipients(t *testing.T) {
	hub := NewHub()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	aliceConn := newClient(nil, ConnInfo{ConnID: "a"})
	bobConn := newClient(nil, ConnInfo{ConnID: "b"})

	hub.Register(alice, aliceConn)
	hub.Register(bob, bobConn)

	hub.Notify([]uuid.UUID{alice, bob, carol}, models.Event{Type: "new_message", ChatID: uuid.New()})

	require.Len(t, aliceConn.send, 1)
	require.Len(t, bobConn.send, 1)
}

func TestHubNotifyIsolatesFailedPush(t *testing.T) {
	hub := NewHub()
	alice, bob := uuid.New(), uuid.New()
	closed := newClient(nil, ConnInfo{ConnID: "closed"})
	closed.Close()
	healthy := newClient(nil, ConnInfo{ConnID: "healthy"})

	hub.Register(alice, closed)
	hub.Register(bob, healthy)

	hub.Notify([]uuid.UUID{alice, bob}, models.Event{Type: "new_message", ChatID: uuid.New()})

	// failed client is removed from the session store, healthy one delivered
	assert.Empty(t, hub.Lookup(alice))
	require.Len(t, healthy.send, 1)
}
