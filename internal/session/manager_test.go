package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every event written to it.
type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt, ok := v.(Event); ok {
		c.events = append(c.events, evt)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) eventsOfType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func admit(t *testing.T, m *Manager, username string, role Role) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess, err := m.Admit(conn, username, role, "10.0.0.1", "desktop")
	require.NoError(t, err)
	return sess, conn
}

func TestAdmitOneSessionPerUsername(t *testing.T) {
	m := NewManager(nil)
	admit(t, m, "alice", RoleCustomer)

	_, err := m.Admit(&fakeConn{}, "alice", RoleCustomer, "10.0.0.2", "mobile")
	assert.ErrorIs(t, err, ErrAlreadyOnline)
	assert.True(t, m.Online("alice"))
}

func TestRemoveFreesUsername(t *testing.T) {
	m := NewManager(nil)
	sess, _ := admit(t, m, "alice", RoleCustomer)

	m.Remove(sess.ID)
	assert.False(t, m.Online("alice"))

	// Removing twice is a no-op.
	m.Remove(sess.ID)

	_, err := m.Admit(&fakeConn{}, "alice", RoleCustomer, "10.0.0.1", "desktop")
	assert.NoError(t, err)
}

func TestVisibilityRules(t *testing.T) {
	m := NewManager(nil)
	admit(t, m, "agent", RoleAdmin)
	admit(t, m, "alice", RoleCustomer)
	admit(t, m, "bob", RoleCustomer)

	// Administrators see everyone.
	assert.Len(t, m.Visible(RoleAdmin), 3)

	// Customers see only administrators.
	visible := m.Visible(RoleCustomer)
	require.Len(t, visible, 1)
	assert.Equal(t, "agent", visible[0].Username)
}

func TestJoinBroadcastRespectsVisibility(t *testing.T) {
	m := NewManager(nil)
	_, adminConn := admit(t, m, "agent", RoleAdmin)
	_, aliceConn := admit(t, m, "alice", RoleCustomer)

	// A second customer joining is visible to the admin but not to alice.
	admit(t, m, "bob", RoleCustomer)

	joined := adminConn.eventsOfType(EventTypeJoined)
	require.Len(t, joined, 2)
	assert.Equal(t, "bob", joined[1].From)

	assert.Empty(t, aliceConn.eventsOfType(EventTypeJoined))

	// An admin joining is announced to customers too.
	admit(t, m, "agent2", RoleAdmin)
	require.Len(t, aliceConn.eventsOfType(EventTypeJoined), 1)
	assert.Equal(t, "agent2", aliceConn.eventsOfType(EventTypeJoined)[0].From)
}

func TestSendMessageCustomerToAdmin(t *testing.T) {
	m := NewManager(nil)
	_, adminConn := admit(t, m, "agent", RoleAdmin)
	alice, _ := admit(t, m, "alice", RoleCustomer)

	info, err := m.SendMessage(alice, "agent", "hello", "text")
	require.NoError(t, err)
	assert.Equal(t, "agent", info.Username)

	msgs := adminConn.eventsOfType(EventTypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].From)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestSendMessageCustomerToCustomerForbidden(t *testing.T) {
	m := NewManager(nil)
	alice, _ := admit(t, m, "alice", RoleCustomer)
	_, bobConn := admit(t, m, "bob", RoleCustomer)

	_, err := m.SendMessage(alice, "bob", "psst", "text")
	assert.ErrorIs(t, err, ErrRouteForbidden)

	// Nothing is delivered on a routing violation.
	assert.Empty(t, bobConn.eventsOfType(EventTypeMessage))
}

func TestSendMessageAdminToCustomer(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	_, aliceConn := admit(t, m, "alice", RoleCustomer)

	_, err := m.SendMessage(agent, "alice", "how can I help?", "text")
	require.NoError(t, err)
	assert.Len(t, aliceConn.eventsOfType(EventTypeMessage), 1)
}

func TestSendMessageUnknownTarget(t *testing.T) {
	m := NewManager(nil)
	alice, _ := admit(t, m, "alice", RoleCustomer)

	_, err := m.SendMessage(alice, "nobody", "hello", "text")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestKickClosesTargetSession(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	alice, aliceConn := admit(t, m, "alice", RoleCustomer)

	info, err := m.Kick(context.Background(), agent, alice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)

	assert.False(t, m.Online("alice"))
	assert.True(t, aliceConn.isClosed())
	assert.Len(t, aliceConn.eventsOfType(EventTypeKicked), 1)
}

func TestKickRequiresPermission(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	alice, _ := admit(t, m, "alice", RoleCustomer)

	_, err := m.Kick(context.Background(), alice, agent.ID.String())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, m.Online("agent"))
}

func TestKickUnknownTarget(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)

	_, err := m.Kick(context.Background(), agent, "not-a-uuid")
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = m.Kick(context.Background(), agent, "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestAnnounceDeliversToEveryone(t *testing.T) {
	m := NewManager(nil)
	agent, agentConn := admit(t, m, "agent", RoleAdmin)
	_, aliceConn := admit(t, m, "alice", RoleCustomer)

	require.NoError(t, m.Announce(context.Background(), agent, "maintenance at noon"))

	for _, conn := range []*fakeConn{agentConn, aliceConn} {
		evts := conn.eventsOfType(EventTypeAnnouncement)
		require.Len(t, evts, 1)
		assert.Equal(t, "maintenance at noon", evts[0].Text)
	}
}

func TestAnnouncePublishFailureDeliversLocally(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	_, aliceConn := admit(t, m, "alice", RoleCustomer)

	m.publish = func(context.Context, Event) error {
		return errors.New("redis down")
	}

	require.NoError(t, m.Announce(context.Background(), agent, "still here"))

	evts := aliceConn.eventsOfType(EventTypeAnnouncement)
	require.Len(t, evts, 1)
	assert.Equal(t, "still here", evts[0].Text)
}

func TestAnnouncePublishSuccessDefersToSubscriber(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	_, aliceConn := admit(t, m, "alice", RoleCustomer)

	published := 0
	m.publish = func(context.Context, Event) error {
		published++
		return nil
	}

	require.NoError(t, m.Announce(context.Background(), agent, "maintenance"))

	// The subscriber echo handles local delivery; a direct deliverAll here
	// would double-deliver.
	assert.Equal(t, 1, published)
	assert.Empty(t, aliceConn.eventsOfType(EventTypeAnnouncement))
}

func TestAnnounceRequiresPermission(t *testing.T) {
	m := NewManager(nil)
	alice, _ := admit(t, m, "alice", RoleCustomer)
	_, agentConn := admit(t, m, "agent", RoleAdmin)

	err := m.Announce(context.Background(), alice, "spam")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, agentConn.eventsOfType(EventTypeAnnouncement))
}

func TestListRequiresPermission(t *testing.T) {
	m := NewManager(nil)
	agent, _ := admit(t, m, "agent", RoleAdmin)
	alice, _ := admit(t, m, "alice", RoleCustomer)

	_, err := m.List(alice)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	sessions, err := m.List(agent)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestParseRoleDegradesUnknown(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleCustomer, ParseRole("customer"))
	assert.Equal(t, RoleCustomer, ParseRole("superuser"))
	assert.Equal(t, RoleCustomer, ParseRole(""))
}

func TestPermissionSets(t *testing.T) {
	assert.True(t, RoleAdmin.Has(PermKickSession))
	assert.True(t, RoleAdmin.Has(PermMessageAnyRole))
	assert.False(t, RoleCustomer.Has(PermKickSession))
	assert.False(t, RoleCustomer.Has(PermAnnounce))

	assert.True(t, RoleAdmin.CanSee(RoleCustomer))
	assert.True(t, RoleCustomer.CanSee(RoleAdmin))
	assert.False(t, RoleCustomer.CanSee(RoleCustomer))
}
