package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonhq/halcyon-backend/internal/fingerprint"
)

// Routing and authorization errors returned to the offending caller. None of
// them terminate the connection.
var (
	ErrAlreadyOnline    = errors.New("username already has an active session")
	ErrTargetNotFound   = errors.New("no active session for target")
	ErrRouteForbidden   = errors.New("customers may only message administrators")
	ErrPermissionDenied = errors.New("permission denied")
)

// Conn is the minimal connection surface the manager needs. The WebSocket
// handler passes the real connection; tests pass fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one live authenticated connection. Presence is reconstructed
// from these; nothing here is persisted.
type Session struct {
	ID          uuid.UUID
	Username    string
	Role        Role
	IP          string
	DeviceClass string
	JoinedAt    time.Time

	conn    Conn
	writeMu sync.Mutex
}

func (s *Session) Send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Info returns the wire-safe snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:          s.ID.String(),
		Username:    s.Username,
		Role:        s.Role,
		DeviceClass: s.DeviceClass,
		JoinedAt:    s.JoinedAt,
	}
}

// Manager owns the presence directory and all message/action routing. It is
// the only component that mutates the directory. Username and role indexes
// are maintained on join/leave instead of scanning every connection per
// query.
type Manager struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Session
	byUser map[string]*Session
	byRole map[Role]map[uuid.UUID]*Session

	audit   fingerprint.AuditLog
	publish func(ctx context.Context, evt Event) error

	subscribeOnce sync.Once
}

func NewManager(audit fingerprint.AuditLog) *Manager {
	return &Manager{
		byID:   make(map[uuid.UUID]*Session),
		byUser: make(map[string]*Session),
		byRole: make(map[Role]map[uuid.UUID]*Session),
		audit:  audit,
	}
}

// Admit registers an authenticated connection and broadcasts the join notice
// to every session allowed to see it. At most one live session may exist per
// username.
func (m *Manager) Admit(conn Conn, username string, role Role, ip, deviceClass string) (*Session, error) {
	sess := &Session{
		ID:          uuid.New(),
		Username:    username,
		Role:        role,
		IP:          ip,
		DeviceClass: deviceClass,
		JoinedAt:    time.Now().UTC(),
		conn:        conn,
	}

	m.mu.Lock()
	if _, online := m.byUser[username]; online {
		m.mu.Unlock()
		return nil, ErrAlreadyOnline
	}
	m.byID[sess.ID] = sess
	m.byUser[username] = sess
	if m.byRole[role] == nil {
		m.byRole[role] = make(map[uuid.UUID]*Session)
	}
	m.byRole[role][sess.ID] = sess
	m.mu.Unlock()

	m.broadcastPresence(Event{
		Type:      EventTypeJoined,
		From:      username,
		FromRole:  role,
		Timestamp: time.Now().UTC(),
	}, sess)
	return sess, nil
}

// Remove drops a session from the directory and broadcasts the departure.
// Safe to call for sessions already removed (e.g. after a kick).
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	sess, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byUser, sess.Username)
		delete(m.byRole[sess.Role], id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.broadcastPresence(Event{
		Type:      EventTypeLeft,
		From:      sess.Username,
		FromRole:  sess.Role,
		Timestamp: time.Now().UTC(),
	}, sess)
}

// Online reports whether a username currently holds an active session.
func (m *Manager) Online(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[username]
	return ok
}

// broadcastPresence delivers a join/leave notice to every session whose role
// is allowed to see the subject. The subject itself is skipped.
func (m *Manager) broadcastPresence(evt Event, subject *Session) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		if s.ID == subject.ID {
			continue
		}
		if s.Role.CanSee(subject.Role) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(evt); err != nil {
			log.Printf("presence broadcast to %s failed: %v", s.Username, err)
		}
	}
}

// Visible returns the sessions a viewer of the given role may see, for the
// online-users query. Applies the same rule as the join/leave broadcast.
func (m *Manager) Visible(viewer Role) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	if viewer.Has(PermSeeAllSessions) {
		for _, s := range m.byID {
			out = append(out, s.Info())
		}
		return out
	}
	for _, s := range m.byRole[RoleAdmin] {
		out = append(out, s.Info())
	}
	return out
}

// SendMessage routes a payload to a single peer session. Customers may only
// address administrators; administrators may address anyone. A violation or
// unknown target is reported to the sender as an error, never a disconnect.
func (m *Manager) SendMessage(from *Session, to string, text, kind string) (Info, error) {
	m.mu.RLock()
	target, ok := m.byUser[to]
	m.mu.RUnlock()
	if !ok {
		return Info{}, ErrTargetNotFound
	}

	if !from.Role.Has(PermMessageAnyRole) && target.Role != RoleAdmin {
		return Info{}, ErrRouteForbidden
	}

	evt := Event{
		Type:      EventTypeMessage,
		From:      from.Username,
		FromRole:  from.Role,
		To:        to,
		Text:      text,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if err := target.Send(evt); err != nil {
		return Info{}, ErrTargetNotFound
	}
	return target.Info(), nil
}

// Kick forcibly closes another connection and returns the closed session's
// snapshot. Gated by PermKickSession and recorded to the audit trail.
func (m *Manager) Kick(ctx context.Context, actor *Session, targetID string) (Info, error) {
	if !actor.Role.Has(PermKickSession) {
		return Info{}, ErrPermissionDenied
	}

	id, err := uuid.Parse(targetID)
	if err != nil {
		return Info{}, ErrTargetNotFound
	}

	m.mu.Lock()
	target, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byUser, target.Username)
		delete(m.byRole[target.Role], id)
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, ErrTargetNotFound
	}

	_ = target.Send(Event{
		Type:      EventTypeKicked,
		From:      actor.Username,
		Timestamp: time.Now().UTC(),
	})
	_ = target.conn.Close()

	if m.audit != nil {
		m.audit.Record(ctx, "session_kicked", actor.Username, target.Username, "", actor.IP)
	}

	m.broadcastPresence(Event{
		Type:      EventTypeLeft,
		From:      target.Username,
		FromRole:  target.Role,
		Timestamp: time.Now().UTC(),
	}, target)
	return target.Info(), nil
}

// Announce broadcasts a system-wide notice to every local session and, when
// cross-instance fan-out is configured, publishes it for peer instances.
// Gated by PermAnnounce.
func (m *Manager) Announce(ctx context.Context, actor *Session, text string) error {
	if !actor.Role.Has(PermAnnounce) {
		return ErrPermissionDenied
	}

	evt := Event{
		Type:      EventTypeAnnouncement,
		From:      actor.Username,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	// With Redis fan-out enabled the subscriber delivers locally too, so
	// publishing once covers this instance and its peers. A failed publish
	// still delivers to local sessions.
	if m.publish != nil {
		if err := m.publish(ctx, evt); err != nil {
			log.Printf("broadcast publish failed: %v", err)
			m.deliverAll(evt)
		}
	} else {
		m.deliverAll(evt)
	}

	if m.audit != nil {
		m.audit.Record(ctx, "announcement", actor.Username, "", "", actor.IP)
	}
	return nil
}

// List enumerates every active session. Gated by PermListSessions; customers
// use Visible instead.
func (m *Manager) List(actor *Session) ([]Info, error) {
	if !actor.Role.Has(PermListSessions) {
		return nil, ErrPermissionDenied
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s.Info())
	}
	return out, nil
}

func (m *Manager) deliverAll(evt Event) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(evt); err != nil {
			log.Printf("broadcast to %s failed: %v", s.Username, err)
		}
	}
}
