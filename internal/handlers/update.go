package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/fanyifanyi/fanyifanyi/internal/database"
	"github.com/fanyifanyi/fanyifanyi/internal/logger"
	"github.com/fanyifanyi/fanyifanyi/internal/middleware"
	"github.com/fanyifanyi/fanyifanyi/internal/settings"
	"github.com/fanyifanyi/fanyifanyi/internal/updater"
)

// Controller is the part of the update controller the API drives.
type Controller interface {
	Snapshot() updater.Snapshot
	CheckForUpdates(ctx context.Context, manual bool) error
	DownloadAndInstall(ctx context.Context) error
	Relaunch(ctx context.Context) error
	DismissUpdate()
	ResetDismissed()
	ClearError()
	RetryLastAction(ctx context.Context) error
	SetAutoCheck(enabled bool)
	StartupDone() <-chan struct{}
	StartupResult() (updater.StartupResult, bool)
	AcknowledgeUpdate()
}

// SettingsLoader reads the persisted updater settings.
type SettingsLoader interface {
	Load() settings.Persisted
}

// AttemptLister lists recorded update attempts.
type AttemptLister interface {
	RecentAttempts(limit int) ([]database.Attempt, error)
}

type UpdateHandler struct {
	ctrl     Controller
	settings SettingsLoader
	attempts AttemptLister
	// background starts long operations that outlive the request.
	background func(fn func())
}

func NewUpdateHandler(ctrl Controller, store SettingsLoader, attempts AttemptLister) *UpdateHandler {
	return &UpdateHandler{
		ctrl:       ctrl,
		settings:   store,
		attempts:   attempts,
		background: func(fn func()) { go fn() },
	}
}

// requester names the API client and request for log lines.
func requester(r *http.Request) string {
	client := middleware.GetClient(r.Context())
	if client == "" {
		client = "anonymous"
	}
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return client + " (request " + id + ")"
	}
	return client
}

func (h *UpdateHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.CheckForUpdates(r.Context(), true)
	if errors.Is(err, updater.ErrUpdatesDisabled) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	// Check failures are part of the snapshot.
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *UpdateHandler) Download(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Snapshot()
	if !snap.Enabled {
		writeError(w, http.StatusConflict, updater.ErrUpdatesDisabled.Error())
		return
	}
	if snap.Status == updater.StatusDownloading {
		writeJSON(w, http.StatusAccepted, snap)
		return
	}
	if snap.Info == nil || (snap.Status != updater.StatusAvailable && snap.Status != updater.StatusError) {
		writeError(w, http.StatusConflict, "no update available to download")
		return
	}

	logger.Info("Update download requested by %s", requester(r))
	h.background(func() {
		if err := h.ctrl.DownloadAndInstall(context.Background()); err != nil {
			logger.Debug("Background download ended: %v", err)
		}
	})
	writeJSON(w, http.StatusAccepted, h.ctrl.Snapshot())
}

func (h *UpdateHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.ctrl.DismissUpdate()
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *UpdateHandler) ResetDismissed(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResetDismissed()
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *UpdateHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ClearError()
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *UpdateHandler) Retry(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Snapshot()
	switch snap.LastAction {
	case updater.ActionDownload:
		logger.Info("Download retry requested by %s", requester(r))
		h.background(func() {
			if err := h.ctrl.RetryLastAction(context.Background()); err != nil {
				logger.Debug("Background retry ended: %v", err)
			}
		})
		writeJSON(w, http.StatusAccepted, h.ctrl.Snapshot())
	case updater.ActionCheck:
		_ = h.ctrl.RetryLastAction(r.Context())
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	default:
		writeError(w, http.StatusConflict, "nothing to retry")
	}
}

func (h *UpdateHandler) Relaunch(w http.ResponseWriter, r *http.Request) {
	if h.ctrl.Snapshot().Status != updater.StatusReady {
		writeError(w, http.StatusConflict, updater.ErrNotReady.Error())
		return
	}
	logger.Info("Relaunch requested by %s", requester(r))
	// The process exits on success, so answer before relaunching.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "relaunching"})
	h.background(func() {
		if err := h.ctrl.Relaunch(context.Background()); err != nil {
			logger.Error("Relaunch requested over API failed: %v", err)
		}
	})
}

type settingsResponse struct {
	settings.Persisted
	UpdatesEnabled bool `json:"updates_enabled"`
}

func (h *UpdateHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		Persisted:      h.settings.Load(),
		UpdatesEnabled: h.ctrl.Snapshot().Enabled,
	})
}

func (h *UpdateHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoCheck *bool `json:"auto_check"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AutoCheck == nil {
		writeError(w, http.StatusBadRequest, "auto_check is required")
		return
	}

	h.ctrl.SetAutoCheck(*req.AutoCheck)
	h.GetSettings(w, r)
}

// Startup returns the startup reconciliation, waiting for it if it is still running.
func (h *UpdateHandler) Startup(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.ctrl.StartupDone():
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "startup check still running")
		return
	}
	res, _ := h.ctrl.StartupResult()
	writeJSON(w, http.StatusOK, res)
}

func (h *UpdateHandler) AcknowledgeStartup(w http.ResponseWriter, r *http.Request) {
	h.ctrl.AcknowledgeUpdate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *UpdateHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.attempts == nil {
		writeJSON(w, http.StatusOK, []database.Attempt{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 200 {
		limit = 200
	}
	attempts, err := h.attempts.RecentAttempts(limit)
	if err != nil {
		logger.Error("Failed to list update attempts for %s: %v", requester(r), err)
		writeError(w, http.StatusInternalServerError, "failed to list update history")
		return
	}
	if attempts == nil {
		attempts = []database.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
