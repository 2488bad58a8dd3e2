package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/wabot-server-go/internal/errors"
	"github.com/openclaw/wabot-server-go/internal/httputil"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/session"
	"github.com/openclaw/wabot-server-go/internal/util"
)

// SessionHandler is the thin CRUD surface over the lifecycle manager. Every
// route maps directly onto one manager operation; the handlers picked up at
// construction are attached to every session the API starts.
type SessionHandler struct {
	manager  *session.Manager
	handlers session.Handlers
	msgRepo  repository.MessageLogRepository
}

func NewSessionHandler(manager *session.Manager, handlers session.Handlers, msgRepo repository.MessageLogRepository) *SessionHandler {
	return &SessionHandler{manager: manager, handlers: handlers, msgRepo: msgRepo}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListSessions)
	r.Post("/", h.CreateSession)
	r.Get("/stats", h.GetStats)
	r.Post("/restore-all", h.RestoreAll)

	r.Route("/{userId}", func(r chi.Router) {
		r.Post("/start", h.StartSession)
		r.Post("/stop", h.StopSession)
		r.Post("/delete", h.DeleteSession)
		r.Post("/logout", h.LogoutSession)
		r.Post("/backup", h.BackupSession)
		r.Post("/restore", h.RestoreSession)
		r.Get("/pairing", h.GetPendingPairing)
		r.Get("/messages", h.GetRecentMessages)
	})

	return r
}

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type createSessionRequest struct {
	UserID      string `json:"userId"`
	PhoneNumber string `json:"phoneNumber"`
}

// POST /v1/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("Invalid request body"))
		return
	}
	if req.UserID == "" {
		httputil.WriteError(w, apperrors.New(apperrors.ErrCodeMissingRequired, "userId is required"))
		return
	}

	result := h.manager.Create(r.Context(), req.UserID, req.PhoneNumber, h.handlers)
	writeJSON(w, statusFor(result), result)
}

// POST /v1/sessions/{userId}/start
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result := h.manager.Restart(r.Context(), userID, h.handlers)
	writeJSON(w, statusFor(result), result)
}

// POST /v1/sessions/{userId}/stop
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	h.manager.Stop(userID)
	writeJSON(w, http.StatusOK, session.Result{Success: true, Message: "Session stopped"})
}

// POST /v1/sessions/{userId}/delete
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result := h.manager.Delete(r.Context(), userID, true)
	writeJSON(w, statusFor(result), result)
}

// POST /v1/sessions/{userId}/logout
func (h *SessionHandler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result := h.manager.Logout(r.Context(), userID)
	writeJSON(w, statusFor(result), result)
}

// POST /v1/sessions/{userId}/backup
func (h *SessionHandler) BackupSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result := h.manager.Backup(r.Context(), userID)
	writeJSON(w, statusFor(result), result)
}

// POST /v1/sessions/{userId}/restore
func (h *SessionHandler) RestoreSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result := h.manager.RestoreOne(r.Context(), userID, h.handlers)
	writeJSON(w, statusFor(result), result)
}

// GET /v1/sessions/{userId}/pairing
func (h *SessionHandler) GetPendingPairing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	pending := h.manager.PendingPairing(userID)
	if pending == nil {
		httputil.WriteError(w, apperrors.NotFound("Pending pairing"))
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// GET /v1/sessions/{userId}/messages?limit=
func (h *SessionHandler) GetRecentMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxMessageLimit {
			httputil.WriteError(w, apperrors.InvalidInput("Invalid limit"))
			return
		}
		limit = parsed
	}

	messages, err := h.msgRepo.FindRecent(r.Context(), userID, limit)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to load recent messages")
		httputil.WriteError(w, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to load messages", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// GET /v1/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.manager.Sessions()})
}

// GET /v1/sessions/stats
func (h *SessionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to compute session stats")
		httputil.WriteError(w, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to compute session stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /v1/sessions/restore-all
func (h *SessionHandler) RestoreAll(w http.ResponseWriter, r *http.Request) {
	report := h.manager.RestoreAll(r.Context(), h.handlers)
	writeJSON(w, http.StatusOK, report)
}

func (h *SessionHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userId")
	if !util.IsValidUserID(userID) {
		httputil.WriteError(w, apperrors.InvalidInput("Invalid user id"))
		return "", false
	}
	return userID, true
}

func statusFor(result session.Result) int {
	if result.Success {
		return http.StatusOK
	}
	return http.StatusBadRequest
}
