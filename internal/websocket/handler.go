package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/kvstore"
	"github.com/dukerupert/chinaroute/internal/model"
	"github.com/dukerupert/chinaroute/internal/profile"
	"github.com/dukerupert/chinaroute/internal/session"
	"github.com/dukerupert/chinaroute/internal/supabase"
)

const (
	DeviceCookie     = "chinaroute_device"
	deviceCookieAge  = 400 * 24 * time.Hour
	keyAccessToken   = "accessToken"
	deviceNamespace  = "device"
	maxInboundFrame  = 16 << 10
	typeActivity     = "activity"
	typeLogin        = "login"
	typeLogout       = "logout"
	typeNavigate     = "navigate"
	typeStateRequest = "state"
)

// inbound is a frame sent by the browser.
type inbound struct {
	Type        string `json:"type"`
	Event       string `json:"event,omitempty"`
	Path        string `json:"path,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

type Config struct {
	Session        session.Config
	OriginPatterns []string
	SecureCookie   bool
}

// SessionHandler serves the session channel. Each connection gets its own
// session.Monitor over the device's store.
type SessionHandler struct {
	hub      *Hub
	open     kvstore.Factory
	verifier *auth.Verifier
	profiles *profile.Service
	supabase *supabase.Client
	cfg      Config
	logger   *slog.Logger
}

// NewSessionHandler creates the handler. sb may be nil, in which case
// expired sessions are only cleared locally.
func NewSessionHandler(hub *Hub, open kvstore.Factory, verifier *auth.Verifier, profiles *profile.Service, sb *supabase.Client, cfg Config, logger *slog.Logger) *SessionHandler {
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &SessionHandler{
		hub:      hub,
		open:     open,
		verifier: verifier,
		profiles: profiles,
		supabase: sb,
		cfg:      cfg,
		logger:   logger,
	}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := h.deviceID(w, r)

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxInboundFrame)

	client := NewClient(h.hub, conn, deviceID)
	client.SetPath(r.URL.Query().Get("path"))

	c := &conversation{
		h:      h,
		client: client,
		store:  h.open(kvstore.Namespace(deviceNamespace, deviceID)),
		logger: h.logger.With("device", deviceID[:8]),
	}
	var authn session.Authenticator
	if h.supabase != nil && h.supabase.Configured() {
		authn = c
	}
	c.monitor = session.NewMonitor(c.store, client, authn, client, h.cfg.Session)

	client.Run(r.Context(), c)
	c.monitor.Stop()
	conn.Close(ws.StatusNormalClosure, "")
}

// deviceID returns the id from the device cookie, issuing a new one when
// it is missing or malformed.
func (h *SessionHandler) deviceID(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(DeviceCookie); err == nil {
		if id, err := uuid.Parse(ck.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// conversation is the state of one connection.
type conversation struct {
	h       *SessionHandler
	client  *Client
	store   kvstore.Store
	monitor *session.Monitor
	logger  *slog.Logger
}

// Open runs once the client is registered, so an immediate expiry
// reaches it.
func (c *conversation) Open(ctx context.Context) {
	c.monitor.Start(ctx)
	c.sendState()
}

func (c *conversation) Handle(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.client.Send(Message{Type: TypeError, Error: "malformed message"})
		return
	}

	switch msg.Type {
	case typeActivity:
		if session.IsActivityEvent(msg.Event) {
			c.client.Emit(session.EventType(msg.Event))
		}
	case typeNavigate:
		c.client.SetPath(msg.Path)
	case typeLogin:
		c.login(ctx, msg.AccessToken)
	case typeLogout:
		c.logout(ctx)
	case typeStateRequest:
		c.sendState()
	default:
		c.client.Send(Message{Type: TypeError, Error: "unknown message type"})
	}
}

func (c *conversation) login(ctx context.Context, token string) {
	ac, err := c.h.verifier.Verify(token)
	if err != nil {
		c.logger.Debug("rejected login token", "error", err)
		c.client.Send(Message{Type: TypeError, Error: "invalid access token"})
		return
	}
	rec, err := c.h.profiles.Sync(ac)
	if err != nil {
		c.logger.Error("sync profile on login", "error", err)
		c.client.Send(Message{Type: TypeError, Error: "could not start session"})
		return
	}
	raw, err := model.EncodeUserRecord(rec)
	if err != nil {
		c.logger.Error("encode user record", "error", err)
		return
	}
	if err := c.store.Set(model.KeyUser, raw); err != nil {
		c.logger.Error("persist session user", "error", err)
		c.client.Send(Message{Type: TypeError, Error: "could not start session"})
		return
	}
	if err := c.store.Set(keyAccessToken, ac.Token); err != nil {
		c.logger.Warn("persist access token", "error", err)
	}
	c.client.SetToken(ac.Token)
	c.monitor.OnUserLogin(ctx)
	c.sendState()
}

func (c *conversation) logout(ctx context.Context) {
	c.forget()
	if err := c.store.Remove(model.KeyUser); err != nil {
		c.logger.Warn("clear session user", "error", err)
	}
	c.monitor.OnUserLogout()
	// Keep watching so a login from another tab is picked up.
	c.monitor.Start(ctx)
	c.sendState()
}

func (c *conversation) forget() {
	c.client.SetToken("")
	if err := c.store.Remove(keyAccessToken); err != nil {
		c.logger.Debug("clear access token", "error", err)
	}
}

// SignOut implements session.Authenticator for idle expiry.
func (c *conversation) SignOut(ctx context.Context) error {
	tok := c.client.Token()
	if tok == "" {
		tok, _ = c.store.Get(keyAccessToken)
	}
	c.forget()
	if tok == "" {
		return nil
	}
	return c.h.supabase.SignOut(ctx, tok, "local")
}

func (c *conversation) sendState() {
	msg := Message{
		Type:          TypeSessionState,
		State:         c.monitor.State().String(),
		IdleTimeoutMS: c.monitor.IdleTimeout().Milliseconds(),
	}
	if raw, err := c.store.Get(model.KeyUser); err == nil {
		if rec, ok := model.DecodeUserRecord(raw); ok {
			msg.Plan = string(rec.Plan)
		}
	}
	c.client.Send(msg)
}
