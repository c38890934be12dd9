package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/twistedxcom/panewatch/internal/monitor"
)

const pushSubscriptionsFileName = "push_subscriptions.json"
const pushVAPIDKeysFileName = "push_vapid_keys.json"

// pushSubscription is a browser push subscription as delivered by the
// Push API's PushSubscription.toJSON().
type pushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s pushSubscription) validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("missing endpoint")
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return errors.New("missing encryption keys")
	}
	return nil
}

// pushService sends a web push when a session starts waiting for input.
// Subscriptions persist to a JSON file so they survive restarts.
type pushService struct {
	cfg  Config
	path string

	mu   sync.Mutex
	subs map[string]pushSubscription // keyed by endpoint
}

func newPushService(cfg Config) (*pushService, error) {
	if cfg.PushVAPIDPublicKey == "" || cfg.PushVAPIDPrivateKey == "" {
		return nil, errors.New("push enabled but VAPID keys missing")
	}
	if cfg.Dir == "" {
		return nil, errors.New("push enabled but no state directory")
	}

	p := &pushService{
		cfg:  cfg,
		path: filepath.Join(cfg.Dir, pushSubscriptionsFileName),
		subs: make(map[string]pushSubscription),
	}
	p.load()
	return p, nil
}

func (p *pushService) load() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return
	}
	var subs []pushSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		webLog.Warn("push_subscriptions_corrupt", slog.String("error", err.Error()))
		return
	}
	for _, s := range subs {
		p.subs[s.Endpoint] = s
	}
}

func (p *pushService) persistLocked() {
	subs := make([]pushSubscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		webLog.Warn("push_subscriptions_write_failed", slog.String("error", err.Error()))
	}
}

func (p *pushService) subscribe(sub pushSubscription) {
	p.mu.Lock()
	p.subs[sub.Endpoint] = sub
	p.persistLocked()
	p.mu.Unlock()
}

func (p *pushService) unsubscribe(endpoint string) {
	p.mu.Lock()
	delete(p.subs, endpoint)
	p.persistLocked()
	p.mu.Unlock()
}

// notifyWaiting fires a push for a session that now needs attention.
// Delivery runs on its own goroutine; a dead endpoint is pruned.
func (p *pushService) notifyWaiting(c monitor.Change) {
	title := c.Title
	if title == "" {
		title = c.SessionID
	}
	body := fmt.Sprintf("%s is waiting for input", title)
	if c.Options != nil && c.Options.Question != "" {
		body = c.Options.Question
	}

	payload, err := json.Marshal(map[string]string{
		"title":   "panewatch",
		"body":    body,
		"session": c.SessionID,
	})
	if err != nil {
		return
	}

	p.mu.Lock()
	subs := make([]pushSubscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		go p.send(sub, payload)
	}
}

func (p *pushService) send(sub pushSubscription, payload []byte) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.cfg.PushVAPIDSubject,
		VAPIDPublicKey:  p.cfg.PushVAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.PushVAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		webLog.Warn("push_send_failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	// 404/410 mean the subscription is dead; forget it.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		p.unsubscribe(sub.Endpoint)
	}
}

// EnsureVAPIDKeys returns a persisted VAPID keypair from dir, generating
// one on first use.
func EnsureVAPIDKeys(dir string) (publicKey, privateKey string, err error) {
	path := filepath.Join(dir, pushVAPIDKeysFileName)

	var file struct {
		PublicKey  string    `json:"publicKey"`
		PrivateKey string    `json:"privateKey"`
		CreatedAt  time.Time `json:"createdAt"`
	}

	if data, readErr := os.ReadFile(path); readErr == nil {
		if err := json.Unmarshal(data, &file); err == nil && file.PublicKey != "" && file.PrivateKey != "" {
			return file.PublicKey, file.PrivateKey, nil
		}
	} else if !errors.Is(readErr, os.ErrNotExist) {
		return "", "", readErr
	}

	file.PrivateKey, file.PublicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keypair: %w", err)
	}
	file.CreatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", err
	}
	return file.PublicKey, file.PrivateKey, nil
}

// push HTTP handlers

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeJSON(w, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, map[string]any{
		"enabled":   true,
		"publicKey": s.cfg.PushVAPIDPublicKey,
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "push disabled")
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed subscription")
		return
	}
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.push.subscribe(sub)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "push disabled")
		return
	}

	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "missing endpoint")
		return
	}
	s.push.unsubscribe(body.Endpoint)
	writeJSON(w, map[string]any{"ok": true})
}
