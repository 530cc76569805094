// Package api exposes the dispatch operations over HTTP for operators and the
// surrounding console.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wadispatch/internal/campaign"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// Service is the part of dispatch.Coordinator the API drives.
type Service interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (outbox.Entry, bool, error)
	GetEntry(ctx context.Context, clientID, id string) (outbox.Entry, error)
	DispatchCampaign(ctx context.Context, req dispatch.DispatchRequest) (dispatch.DispatchResult, error)
	CancelCampaign(ctx context.Context, clientID, campaignID string) (dispatch.CancelResult, error)
	CancelRun(ctx context.Context, clientID, runID string) (dispatch.CancelResult, error)
	PauseRun(ctx context.Context, clientID, runID string) error
	ResumeRun(ctx context.Context, clientID, runID string) error
	GetRun(ctx context.Context, clientID, runID string) (campaign.Run, error)
	ListRuns(ctx context.Context, clientID, campaignID string) ([]campaign.Run, error)
}

// Drainer triggers an out-of-schedule drain pass.
type Drainer interface {
	RunOnce(ctx context.Context) (dispatch.DrainStats, error)
}

type Options struct {
	Token string
	Pprof bool
	// Health returns extra data for /healthz (loop stats, breaker state).
	Health func() map[string]any
	Log    logx.Logger
}

type handler struct {
	svc    Service
	drain  Drainer
	health func() map[string]any
	log    logx.Logger
}

const maxBody = 4 << 20

// NewHandler builds the router. drain may be nil when the drain loop is disabled.
func NewHandler(svc Service, drain Drainer, opts Options) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	h := &handler{svc: svc, drain: drain, health: opts.Health, log: opts.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.healthz)
	if opts.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		if opts.Token != "" {
			r.Use(bearerAuth(opts.Token))
		}
		r.Route("/v1/clients/{clientID}", func(r chi.Router) {
			r.Post("/messages", h.enqueue)
			r.Get("/messages/{id}", h.getEntry)

			r.Route("/campaigns/{campaignID}", func(r chi.Router) {
				r.Post("/dispatch", h.dispatchCampaign)
				r.Post("/cancel", h.cancelCampaign)
				r.Get("/runs", h.listRuns)
			})

			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", h.getRun)
				r.Post("/pause", h.pauseRun)
				r.Post("/resume", h.resumeRun)
				r.Post("/cancel", h.cancelRun)
			})
		})
		r.Post("/v1/drain", h.triggerDrain)
	})
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.health != nil {
		for k, v := range h.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ClientID = chi.URLParam(r, "clientID")
	e, created, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"entry": e, "created": created})
}

func (h *handler) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetEntry(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) dispatchCampaign(w http.ResponseWriter, r *http.Request) {
	var req dispatch.DispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ClientID = chi.URLParam(r, "clientID")
	req.CampaignID = chi.URLParam(r, "campaignID")
	res, err := h.svc.DispatchCampaign(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *handler) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CancelCampaign(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "campaignID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.ListRuns(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "campaignID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []campaign.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) pauseRun(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.svc.PauseRun)
}

func (h *handler) resumeRun(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.svc.ResumeRun)
}

func (h *handler) runAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, clientID, runID string) error) {
	clientID, runID := chi.URLParam(r, "clientID"), chi.URLParam(r, "runID")
	if err := fn(r.Context(), clientID, runID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.getRun(w, r)
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CancelRun(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) triggerDrain(w http.ResponseWriter, r *http.Request) {
	if h.drain == nil {
		writeError(w, http.StatusServiceUnavailable, "drain loop disabled")
		return
	}
	st, err := h.drain.RunOnce(r.Context())
	if errors.Is(err, dispatch.ErrDrainBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors to status codes. Internal errors are logged, not echoed.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrGuardrailViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, outbox.ErrNotFound), errors.Is(err, campaign.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
