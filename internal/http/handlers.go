// Package httpapi serves the relay's operational HTTP endpoints and the chat
// history API.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmatrace/relay/internal/auth"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/store"
)

// ReadinessProvider exposes relay state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// RoleCounter reports authenticated connections per role.
type RoleCounter interface {
	Counts() map[protocol.Role]int
}

// KeyedLimiter gates how frequently one caller may hit an endpoint.
type KeyedLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger    *logging.Logger
	Readiness ReadinessProvider
	Roles     RoleCounter
	// Bridge reports the central relay session state; nil when the bridge is disabled.
	Bridge      func() string
	Metrics     http.Handler
	Verifier    auth.TokenVerifier
	Users       store.UserFinder
	History     store.ChatStore
	RateLimiter KeyedLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	roles       RoleCounter
	bridge      func() string
	metrics     http.Handler
	verifier    auth.TokenVerifier
	users       store.UserFinder
	history     store.ChatStore
	rateLimiter KeyedLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		roles:       opts.Roles,
		bridge:      opts.Bridge,
		metrics:     opts.Metrics,
		verifier:    opts.Verifier,
		users:       opts.Users,
		history:     opts.History,
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	mux.HandleFunc("/api/chat/history", h.HistoryHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness, including client counts by role and bridge state.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string         `json:"status"`
		Message        string         `json:"message,omitempty"`
		UptimeSeconds  float64        `json:"uptime_seconds"`
		Clients        int            `json:"clients"`
		PendingClients int            `json:"pending_clients"`
		Roles          map[string]int `json:"roles,omitempty"`
		Bridge         string         `json:"bridge,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.roles != nil {
			counts := h.roles.Counts()
			resp.Roles = make(map[string]int, len(counts))
			for role, n := range counts {
				resp.Roles[role.String()] = n
			}
		}
		if h.bridge != nil {
			resp.Bridge = h.bridge()
		}
		writeJSON(w, status, resp)
	}
}

// HistoryHandler returns a page of chat history for the bearer token's user.
// With peerId the conversation is returned oldest first; without it the
// user's directed messages are returned newest first, together with every
// broadcast when the account's role belongs to the chat audience.
func (h *HandlerSet) HistoryHandler() http.HandlerFunc {
	type response struct {
		Messages []store.ChatMessage `json:"messages"`
		Limit    int                 `json:"limit"`
		Offset   int                 `json:"offset"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r).With(
			logging.String("handler", "chat_history"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.verifier == nil || h.users == nil || h.history == nil {
			http.Error(w, "chat history is unavailable", http.StatusServiceUnavailable)
			return
		}
		token := bearerToken(r)
		if token == "" {
			http.Error(w, protocol.MsgAuthTokenRequired, http.StatusUnauthorized)
			return
		}
		claims, err := h.verifier.Verify(token)
		if err != nil {
			reqLogger.Info("chat history denied", logging.Error(err))
			http.Error(w, auth.Reason(err), http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow("history:"+claims.UserID) {
			http.Error(w, protocol.MsgRateLimited, http.StatusTooManyRequests)
			return
		}

		//1.- The account record, not the token claim, decides access.
		user, err := h.users.FindUser(r.Context(), claims.UserID)
		if err != nil {
			reqLogger.Error("chat history user lookup failed", logging.String("user_id", claims.UserID), logging.Error(err))
			http.Error(w, "failed to load chat history", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, protocol.MsgUserNotFound, http.StatusUnauthorized)
			return
		}
		if !user.IsActive {
			http.Error(w, protocol.MsgUserInactive, http.StatusUnauthorized)
			return
		}

		query := r.URL.Query()
		limit, ok := optionalInt(query.Get("limit"))
		if !ok {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		offset, ok := optionalInt(query.Get("offset"))
		if !ok {
			http.Error(w, "offset must be an integer", http.StatusBadRequest)
			return
		}
		q := store.HistoryQuery{
			UserID:            user.ID,
			PeerID:            query.Get("peerId"),
			Limit:             limit,
			Offset:            offset,
			ExcludeBroadcasts: !user.Role.CanChat(),
		}.Normalise()

		messages, err := h.history.LoadChatHistory(r.Context(), q)
		if err != nil {
			reqLogger.Error("load chat history failed", logging.String("user_id", user.ID), logging.Error(err))
			http.Error(w, "failed to load chat history", http.StatusInternalServerError)
			return
		}
		if messages == nil {
			messages = []store.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, response{Messages: messages, Limit: q.Limit, Offset: q.Offset})
	}
}

// requestLogger prefers the trace-scoped logger installed by HTTPTraceMiddleware.
func (h *HandlerSet) requestLogger(r *http.Request) *logging.Logger {
	if logging.TraceIDFromContext(r.Context()) != "" {
		return logging.LoggerFromContext(r.Context())
	}
	return h.logger
}

func optionalInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
