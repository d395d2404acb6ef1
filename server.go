package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gregoryjjb/verdant/manager"
	"gregoryjjb/verdant/metrics"
	"gregoryjjb/verdant/store"
)

var slog zerolog.Logger

func init() {
	slog = log.With().Str("component", "server").Logger()
}

/////////////////////
// Response helpers

func RespondInternalServiceError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(err.Error()))
}

func RespondNotFoundError(w http.ResponseWriter, body string) {
	w.WriteHeader(http.StatusNotFound)
	if body == "" {
		body = "Not found"
	}
	RespondText(w, body)
}

func RespondBadRequest(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusBadRequest)
	RespondText(w, message)
}

func RespondText(w http.ResponseWriter, body string) {
	w.Write([]byte(body))
}

func RespondJSON(w http.ResponseWriter, body any) {
	RespondJSONStatus(w, http.StatusOK, body)
}

func RespondJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Err(err).Msg("Failed to encode response")
	}
}

// BuildInfo is filled from ldflags at build time.
type BuildInfo struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commit_hash"`
	BuildTime  time.Time `json:"build_time"`
}

// limiter hands out one token bucket per client address.
type limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newLimiter(limit rate.Limit, burst int) *limiter {
	return &limiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

func (l *limiter) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	l.mu.Lock()
	rl, ok := l.clients[host]
	if !ok {
		rl = rate.NewLimiter(l.limit, l.burst)
		l.clients[host] = rl
	}
	l.mu.Unlock()

	return rl.Allow()
}

func (l *limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r) {
			slog.Warn().Str("remote", r.RemoteAddr).Msg("Rate limit exceeded")
			RespondJSONStatus(w, http.StatusTooManyRequests, manager.Response{
				Message: "Too many requests",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type peripheralView struct {
	manager.Info
	Status store.Status            `json:"status"`
	Values map[string]store.Values `json:"values"`
	Setup  string                  `json:"setup,omitempty"`
}

type eventRequest struct {
	Type     string `json:"type"`
	Variable string `json:"variable,omitempty"`
	Value    any    `json:"value,omitempty"`
}

type desiredRequest struct {
	Value any `json:"value"`
}

func NewRouter(o *Orchestrator, config *Config, buildInfo BuildInfo) (http.Handler, error) {
	if _, err := GetIndexTemplate(); err != nil {
		return nil, err
	}

	setupOf := make(map[string]string)
	for _, pc := range config.Peripherals() {
		setupOf[pc.Name] = pc.Setup
	}

	view := func(m *manager.Manager, snap store.Snapshot) peripheralView {
		v := peripheralView{
			Info:   m.Info(),
			Status: snap.Statuses[m.Name()],
			Values: snap.Peripherals[m.Name()],
			Setup:  setupOf[m.Name()],
		}
		if v.Values == nil {
			v.Values = map[string]store.Values{}
		}
		return v
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(&slog))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := GetIndexTemplate()
		if err != nil {
			RespondInternalServiceError(w, err)
			return
		}

		snap := o.Store().Snapshot()
		peripherals := []peripheralView{}
		for _, m := range o.Managers() {
			peripherals = append(peripherals, view(m, snap))
		}

		err = tmpl.Execute(w, map[string]any{
			"Build":       buildInfo,
			"Peripherals": peripherals,
			"Environment": snap.Environment,
		})
		if err != nil {
			slog.Err(err).Msg("Failed to render index")
		}
	})

	r.Get("/ws", createWebsocketHandler(o.Store()))
	r.Handle("/metrics", metrics.Handler())

	rateLimit, burst := config.RateLimit()
	limit := newLimiter(rateLimit, burst)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			RespondJSON(w, buildInfo)
		})

		r.Get("/setups", func(w http.ResponseWriter, r *http.Request) {
			RespondJSON(w, SortedSetups(o.Setups()))
		})

		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Cache-Control", "no-cache, no-store")
			RespondJSON(w, o.Store().Snapshot())
		})

		r.Get("/peripherals", func(w http.ResponseWriter, r *http.Request) {
			snap := o.Store().Snapshot()
			peripherals := []peripheralView{}
			for _, m := range o.Managers() {
				peripherals = append(peripherals, view(m, snap))
			}
			RespondJSON(w, peripherals)
		})

		r.Get("/peripherals/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			m, ok := o.Manager(name)
			if !ok {
				RespondNotFoundError(w, fmt.Sprintf("peripheral '%s' does not exist", name))
				return
			}
			RespondJSON(w, view(m, o.Store().Snapshot()))
		})

		r.With(limit.Middleware).Post("/peripherals/{name}/events", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			var req eventRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				RespondJSONStatus(w, http.StatusBadRequest, manager.Response{
					Message: fmt.Sprintf("Invalid request body: %s", err),
					Code:    http.StatusBadRequest,
				})
				return
			}

			res, err := o.Submit(r.Context(), name, manager.NewEvent(req.Type, req.Variable, req.Value))
			if errors.Is(err, ErrUnknownPeripheral) {
				RespondJSONStatus(w, http.StatusNotFound, manager.Response{
					Message: err.Error(),
					Code:    http.StatusNotFound,
				})
				return
			}
			if err != nil {
				RespondInternalServiceError(w, err)
				return
			}
			RespondJSONStatus(w, res.Code, res)
		})

		r.Put("/environment/desired/{variable}", func(w http.ResponseWriter, r *http.Request) {
			variable := chi.URLParam(r, "variable")

			var req desiredRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				RespondBadRequest(w, fmt.Sprintf("invalid request body: %s", err))
				return
			}
			if !store.Scalar(req.Value) {
				RespondBadRequest(w, "value must be a number, string or boolean")
				return
			}
			o.Store().SetEnvironmentDesired(variable, req.Value)
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if s := r.URL.Query().Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil || n < 0 {
					RespondBadRequest(w, "limit must be a non-negative integer")
					return
				}
				limit = n
			}

			entries, err := o.Events(r.Context(), r.URL.Query().Get("peripheral"), limit)
			if err != nil {
				RespondInternalServiceError(w, err)
				return
			}
			RespondJSON(w, entries)
		})
	})

	return r, nil
}

// StartServer serves handler until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, config *Config, handler http.Handler) error {
	server := &http.Server{
		Addr:              config.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info().Str("listen", server.Addr).Msg("Launching server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
