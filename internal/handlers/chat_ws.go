package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonhq/halcyon-backend/internal/fingerprint"
	"github.com/halcyonhq/halcyon-backend/internal/models"
	"github.com/halcyonhq/halcyon-backend/internal/services"
	"github.com/halcyonhq/halcyon-backend/internal/session"
	"github.com/halcyonhq/halcyon-backend/pkg/clientip"
	"github.com/halcyonhq/halcyon-backend/pkg/utils"
)

var gatewayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

const readTimeout = 90 * time.Second

// ClientEvent represents messages coming from the client over WebSocket.
type ClientEvent struct {
	Type string `json:"type"` // "login", "register", "resume", "message", "ping", "kick", "announce", "list_sessions", "list_online", "logout"

	// Authentication handshake fields.
	Username    string                    `json:"username,omitempty"`
	Password    string                    `json:"password,omitempty"`
	Token       string                    `json:"token,omitempty"`
	DeviceClass string                    `json:"device_class,omitempty"`
	Fingerprint fingerprint.FeatureBundle `json:"fingerprint,omitempty"`

	// Message routing fields.
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
	Kind string `json:"kind,omitempty"`

	// Admin action fields.
	TargetID string `json:"target_id,omitempty"`
}

// Gateway is the realtime endpoint. The connection starts unauthenticated;
// the first accepted event must be a login, register or resume handshake,
// and no other event is processed until it completes. A denied handshake
// leaves the connection open for a retry.
func (a *API) Gateway(w http.ResponseWriter, r *http.Request) {
	conn, err := gatewayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ip := clientip.RealClientIP(r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// A token in the query string resumes directly, before any frame.
	var sess *session.Session
	var token string
	if qt := r.URL.Query().Get("token"); qt != "" {
		sess, token = a.resumeSession(ctx, conn, qt, ip)
	}

	// Handshake loop: only auth events are accepted until admitted.
	for sess == nil {
		var ev ClientEvent
		if !readEvent(conn, &ev) {
			// Disconnect mid-authentication: in-flight decision outcome is
			// discarded, nothing was admitted.
			return
		}

		switch ev.Type {
		case "resume":
			sess, token = a.resumeSession(ctx, conn, ev.Token, ip)
		case "login":
			sess, token = a.loginSession(ctx, conn, ev, ip, false)
		case "register":
			sess, token = a.loginSession(ctx, conn, ev, ip, true)
		default:
			_ = conn.WriteJSON(session.Event{
				Type:      session.EventTypeAuthError,
				Reason:    "not_authenticated",
				Text:      "Authenticate with login, register or resume first",
				Timestamp: time.Now().UTC(),
			})
		}
	}
	defer a.Hub.Remove(sess.ID)

	_ = sess.Send(session.Event{
		Type:      session.EventTypeAuthOK,
		From:      sess.Username,
		FromRole:  sess.Role,
		Token:     token,
		Sessions:  a.Hub.Visible(sess.Role),
		Timestamp: time.Now().UTC(),
	})

	// Active loop.
	for {
		var ev ClientEvent
		if !readEvent(conn, &ev) {
			return
		}

		switch ev.Type {
		case "message":
			a.handleMessage(ctx, sess, ev)
		case "ping":
			_ = sess.Send(session.Event{Type: session.EventTypePong, Timestamp: time.Now().UTC()})
		case "list_online":
			_ = sess.Send(session.Event{
				Type:      session.EventTypeSessionList,
				Sessions:  a.Hub.Visible(sess.Role),
				Timestamp: time.Now().UTC(),
			})
		case "list_sessions":
			sessions, err := a.Hub.List(sess)
			if err != nil {
				sendActionError(sess, "list_sessions", err)
				continue
			}
			_ = sess.Send(session.Event{
				Type:      session.EventTypeSessionList,
				Sessions:  sessions,
				Timestamp: time.Now().UTC(),
			})
		case "kick":
			target, err := a.Hub.Kick(ctx, sess, ev.TargetID)
			if err != nil {
				sendActionError(sess, "kick", err)
				continue
			}
			// The kicked user may not resume with the old token.
			_ = a.Tokens.InvalidateUserSessions(ctx, target.Username)
		case "announce":
			if err := a.Hub.Announce(ctx, sess, ev.Text); err != nil {
				sendActionError(sess, "announce", err)
			}
		case "logout":
			_ = a.Tokens.InvalidateSession(ctx, token)
			return
		default:
			// Ignore unknown types
		}
	}
}

// readEvent reads and decodes one frame, refreshing the read deadline.
// Returns false on disconnect; malformed frames are skipped.
func readEvent(conn *websocket.Conn, ev *ClientEvent) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := json.Unmarshal(data, ev); err != nil {
			continue
		}
		ev.To = strings.TrimSpace(ev.To)
		return true
	}
}

// resumeSession validates a resumption token and admits the connection
// directly, bypassing the decision engine.
func (a *API) resumeSession(ctx context.Context, conn session.Conn, token, ip string) (*session.Session, string) {
	claims, ok, err := a.Tokens.ValidateSession(ctx, token)
	if err != nil || !ok {
		_ = conn.WriteJSON(session.Event{
			Type:      session.EventTypeAuthError,
			Reason:    "invalid_token",
			Text:      "Session token is invalid or expired",
			Timestamp: time.Now().UTC(),
		})
		return nil, ""
	}

	sess, err := a.Hub.Admit(conn, claims.Username, session.ParseRole(claims.Role), ip, claims.DeviceClass)
	if err != nil {
		_ = conn.WriteJSON(session.Event{
			Type:      session.EventTypeAuthError,
			Reason:    "session_exists",
			Text:      "This account already has an active session",
			Timestamp: time.Now().UTC(),
		})
		return nil, ""
	}
	return sess, token
}

// loginSession runs the credential check plus the device decision engine and
// admits the connection on allow.
func (a *API) loginSession(ctx context.Context, conn session.Conn, ev ClientEvent, ip string, register bool) (*session.Session, string) {
	authErr := func(reason, text string, details map[string]interface{}) (*session.Session, string) {
		_ = conn.WriteJSON(session.Event{
			Type:      session.EventTypeAuthError,
			Reason:    reason,
			Text:      text,
			Details:   details,
			Timestamp: time.Now().UTC(),
		})
		return nil, ""
	}

	if err := utils.ValidateUsername(ev.Username); err != nil {
		return authErr("invalid_username", err.Error(), nil)
	}
	username := utils.NormalizeUsername(ev.Username)

	// One session per username, checked against the live directory.
	if a.Hub.Online(username) {
		return authErr("session_exists", "This account already has an active session", nil)
	}

	user, err := a.Creds.FindByUsername(ctx, username)
	if err != nil {
		return authErr("server_error", "Credential store unavailable", nil)
	}

	var decision fingerprint.Decision
	if register {
		if user != nil {
			return authErr("username_taken", "Username is already taken", nil)
		}
		if len(ev.Password) < 8 {
			return authErr("weak_password", "Password must be at least 8 characters", nil)
		}
		decision = a.Registry.DecideRegistration(ctx, username, ev.Fingerprint, ip, false)
		if !decision.Allowed {
			return authErr(string(decision.Reason), decision.Message, decision.Details)
		}
		if user, err = a.Creds.Create(ctx, username, ev.Password); err != nil {
			return authErr("server_error", "Failed to create account", nil)
		}
	} else {
		if user == nil || !a.Creds.VerifyPassword(ev.Password, user.PasswordHash) {
			return authErr("invalid_credentials", "Invalid username or password", nil)
		}
		isAdmin := session.ParseRole(user.Role) == session.RoleAdmin
		decision = a.Registry.DecideLogin(ctx, username, ev.Fingerprint, ip, isAdmin)
		if !decision.Allowed {
			return authErr(string(decision.Reason), decision.Message, decision.Details)
		}
	}

	// Admit before minting: losing the admission race must not invalidate
	// the token the already-active session holds.
	sess, err := a.Hub.Admit(conn, user.Username, session.ParseRole(user.Role), ip, ev.DeviceClass)
	if err != nil {
		return authErr("session_exists", "This account already has an active session", nil)
	}

	token, err := a.Tokens.CreateSession(ctx, services.TokenClaims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		DeviceClass: ev.DeviceClass,
		IP:          ip,
	})
	if err != nil {
		a.Hub.Remove(sess.ID)
		return authErr("server_error", "Failed to create session", nil)
	}
	return sess, token
}

// handleMessage routes a single-peer message, persists it once delivered and
// acknowledges it to the sender. Routing violations go back to the sender
// only; nothing is stored.
func (a *API) handleMessage(ctx context.Context, sess *session.Session, ev ClientEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" || ev.To == "" {
		sendActionError(sess, "message", session.ErrTargetNotFound)
		return
	}

	if _, err := a.Hub.SendMessage(sess, ev.To, text, ev.Kind); err != nil {
		sendActionError(sess, "message", err)
		return
	}

	saved, err := a.Messages.Save(ctx, &models.ChatMessage{
		FromUsername: sess.Username,
		ToUsername:   ev.To,
		Text:         text,
		Kind:         ev.Kind,
	})
	if err != nil {
		log.Printf("failed to persist message from %s: %v", sess.Username, err)
	}

	ack := session.Event{
		Type:      session.EventTypeMessageAck,
		To:        ev.To,
		Kind:      ev.Kind,
		Timestamp: time.Now().UTC(),
	}
	if saved != nil {
		ack.Details = map[string]interface{}{"message_id": saved.ID.Hex()}
	}
	_ = sess.Send(ack)
}

// sendActionError reports a routing or authorization failure to the caller
// without terminating the connection.
func sendActionError(sess *session.Session, action string, err error) {
	reason := "routing_error"
	if err == session.ErrPermissionDenied {
		reason = "permission_denied"
	}
	_ = sess.Send(session.Event{
		Type:      session.EventTypeError,
		Kind:      action,
		Reason:    reason,
		Text:      err.Error(),
		Timestamp: time.Now().UTC(),
	})
}
