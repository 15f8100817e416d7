package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomsync/cmd/internal/realtime"
	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the HTTP surface: health, readiness, metrics, the WebSocket
// endpoint and the read-only catch-up endpoint.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, a.log) })
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, a.cfg, a.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Handle("/ws", a.ws)

	r.Group(func(r chi.Router) {
		r.Use(WithSecurityHeaders)
		r.Get("/rooms/{room}/messages", a.handleRoomMessages)
	})

	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireStore && a.cfg.LogBackend == BackendMemory {
		http.Error(w, "shared store not configured", http.StatusServiceUnavailable)
		return
	}

	if err := a.coord.Ping(r.Context()); err != nil {
		a.log.Info("readyz.roomlog.not_ready", "err", err)
		http.Error(w, "room log not ready", http.StatusServiceUnavailable)
		return
	}

	if a.rdb != nil {
		if err := PingRedis(r.Context(), a.rdb, 2*time.Second); err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}

	if a.backplane != nil {
		select {
		case <-a.backplane.Ready():
		default:
			http.Error(w, "backplane not subscribed", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

type roomMessagesResponse struct {
	Room     string             `json:"room"`
	After    int64              `json:"after"`
	Cursor   int64              `json:"cursor"`
	Messages []v1.MessageRecord `json:"messages"`
}

// handleRoomMessages serves GET /rooms/{room}/messages?after=N: the same
// id > N filter a join runs, without subscribing.
func (a *App) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "after must be a non-negative integer")
			return
		}
		after = n
	}

	msgs, err := a.coord.Catchup(r.Context(), room, after)
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrInvalidRoom):
			writeJSONError(w, http.StatusBadRequest, v1.CodeInvalidMessage, "invalid room")
		case realtime.IsStoreUnavailable(err):
			a.log.Warn("http.catchup.store_unavailable", "room", room, "err", err)
			writeJSONError(w, http.StatusServiceUnavailable, v1.CodeStoreUnavailable, "store unavailable")
		default:
			a.log.Error("http.catchup.fail", "room", room, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	cursor := after
	for _, m := range msgs {
		cursor = max(cursor, m.ID)
	}

	writeJSON(w, http.StatusOK, roomMessagesResponse{
		Room:     strings.TrimSpace(room),
		After:    after,
		Cursor:   cursor,
		Messages: realtime.Records(msgs),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorPayload{Code: code, Message: msg})
}
