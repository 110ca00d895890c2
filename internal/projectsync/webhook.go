package projectsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/logging"
	"github.com/google/go-github/v82/github"
	"github.com/tidwall/gjson"
)

// MaxWebhookBody bounds the raw body read for signature verification.
const MaxWebhookBody = 32 << 20

// DefaultWebhookPath is where GitHub project events are received.
const DefaultWebhookPath = "/api/webhooks/github/project-sync"

// WebhookOptions configures the webhook handler.
type WebhookOptions struct {
	Secret           string
	RequireSignature bool
	// SyncTimeout bounds each background sync.
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// WebhookHandler verifies GitHub deliveries and triggers background syncs.
type WebhookHandler struct {
	engine  *Engine
	secret  []byte
	require bool
	timeout time.Duration
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(engine *Engine, opts WebhookOptions) *WebhookHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WebhookHandler{
		engine:  engine,
		secret:  []byte(opts.Secret),
		require: opts.RequireSignature,
		timeout: opts.SyncTimeout,
		logger:  logging.Component(opts.Logger, "projectsync.webhook"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if h.timeout <= 0 {
		h.timeout = 2 * time.Minute
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TaskReference extracts the task number from a project event, falling
// back to an issue event. It returns "" when the payload carries none.
func TaskReference(body []byte) string {
	for _, path := range []string{"projects_v2_item.content.number", "issue.number"} {
		if n := gjson.GetBytes(body, path); n.Exists() && n.Int() > 0 {
			return strconv.FormatInt(n.Int(), 10)
		}
	}
	return ""
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "read body"})
		return
	}

	if h.require {
		sig := r.Header.Get(github.SHA256SignatureHeader)
		if sig == "" || len(h.secret) == 0 || github.ValidateSignature(sig, body, h.secret) != nil {
			h.engine.RecordInvalidSignature()
			h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid signature"})
			return
		}
	}

	event := github.WebHookType(r)
	if event == "ping" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed JSON payload"})
		return
	}

	taskID := TaskReference(body)
	if taskID == "" {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "skipped": "no task reference"})
		return
	}

	h.logger.Info("webhook accepted", "event", event, "action", gjson.GetBytes(body, "action").String(), "task_id", taskID)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.baseCtx, h.timeout)
		defer cancel()
		_ = h.engine.SyncTask(ctx, taskID)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "taskId": taskID})
}

// Wait blocks until background syncs started so far have finished.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

// Close cancels running syncs and waits for them.
func (h *WebhookHandler) Close() {
	h.cancel()
	h.wg.Wait()
}
