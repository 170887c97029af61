package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"invite-gate/internal/transport"
	"invite-gate/internal/transport/telegram"
	"invite-gate/internal/util"
)

const (
	// SecretTokenHeader carries the secret registered with setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes    = 1 << 20
	dispatchTimeout   = 30 * time.Second
)

// EventHandler consumes normalised inbound events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev transport.Event)
}

// HealthFunc reports per-backend health; a nil error means healthy.
type HealthFunc func(ctx context.Context) map[string]error

type RouterConfig struct {
	WebhookPath   string
	WebhookSecret string
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, events EventHandler, health HealthFunc, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/health", healthHandler(health))

	path := cfg.WebhookPath
	if path == "" {
		path = "/webhook"
	}
	router.Post(path, webhookHandler(cfg.WebhookSecret, events, logger))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return router
}

// webhookHandler answers 200 for every authentic update, including ones the bot
// ignores, so the platform does not redeliver them.
func webhookHandler(secret string, events EventHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretTokenHeader)), []byte(secret)) != 1 {
			logger.Warn("Rejected webhook call with bad secret", util.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
			logger.Warn("Malformed webhook update", util.ErrorField(err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed update"})
			return
		}

		if ev, ok := telegram.Normalize(update); ok {
			// The event outlives a client disconnect but not the dispatch budget.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), dispatchTimeout)
			events.HandleEvent(ctx, ev)
			cancel()
		} else {
			logger.Debug("Ignored update", util.Int("update_id", update.UpdateID))
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{}
		status := http.StatusOK
		if health != nil {
			for name, err := range health(ctx) {
				if err != nil {
					checks[name] = err.Error()
					status = http.StatusServiceUnavailable
				} else {
					checks[name] = "ok"
				}
			}
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "degraded"
		}
		writeJSON(w, status, map[string]interface{}{
			"status":  state,
			"service": "invite-gate",
			"checks":  checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
