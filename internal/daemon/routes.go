package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
)

// createRequest is the body of POST /workers.
type createRequest struct {
	Name   string            `json:"name"`
	Key    string            `json:"key"`
	Owner  string            `json:"owner,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// errorResponse wraps a structured error. ID is set when a failed create
// still produced a worker.
type errorResponse struct {
	ID    string `json:"id,omitempty"`
	Error error  `json:"error"`
}

// Router serves the daemon API:
//
//	GET  /health/            health snapshot (503 when critical)
//	GET  /health/live        liveness
//	POST /workers            create a worker
//	GET  /workers            list workers
//	GET  /workers/{id}       one worker
//	POST /workers/{id}/start
//	POST /workers/{id}/stop
//	POST /workers/{id}/ack   acknowledge an error
//	DELETE /workers/{id}
func Router(m *lifecycle.Manager, mon *health.Monitor, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	api := &api{manager: m, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(api.accessLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, "", bkerrors.NotFound("no such route: "+req.URL.Path))
	})

	r.Mount("/health", health.Handler(mon))
	r.Route("/workers", func(r chi.Router) {
		r.Post("/", api.create)
		r.Get("/", api.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", api.get)
			r.Delete("/", api.remove)
			r.Post("/start", api.start)
			r.Post("/stop", api.stop)
			r.Post("/ack", api.ack)
		})
	})
	return r
}

type api struct {
	manager *lifecycle.Manager
	logger  *logging.Logger
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http_request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func (a *api) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "decode request"))
		return
	}
	spec := lifecycle.Spec{Name: req.Name, Key: req.Key, Owner: req.Owner, Params: req.Params}
	id, err := a.manager.Create(r.Context(), spec)
	if err != nil {
		writeError(w, id, err)
		return
	}
	wk, _ := a.manager.Get(id)
	writeJSON(w, http.StatusCreated, wk)
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.List())
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wk, ok := a.manager.Get(id)
	if !ok {
		writeError(w, "", bkerrors.Wrap(lifecycle.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, func(id string) error { return a.manager.Start(r.Context(), id) })
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, func(id string) error { return a.manager.Stop(r.Context(), id) })
}

func (a *api) ack(w http.ResponseWriter, r *http.Request) {
	a.apply(w, r, a.manager.Acknowledge)
}

func (a *api) remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.manager.Remove(r.Context(), id); err != nil {
		writeError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apply runs op on the worker named in the path and responds with its
// resulting view.
func (a *api) apply(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		writeError(w, id, err)
		return
	}
	wk, ok := a.manager.Get(id)
	if !ok {
		writeError(w, "", bkerrors.Wrap(lifecycle.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// statusFor maps an error code to an HTTP status.
func statusFor(code bkerrors.ErrorCode) int {
	switch code {
	case bkerrors.ErrCodeNotFound:
		return http.StatusNotFound
	case bkerrors.ErrCodeInvalidInput:
		return http.StatusUnprocessableEntity
	case bkerrors.ErrCodeInvalidTransition, bkerrors.ErrCodeDuplicateRegistration, bkerrors.ErrCodePrecondition:
		return http.StatusConflict
	case bkerrors.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case bkerrors.ErrCodeTimeout, bkerrors.ErrCodeStopTimeout:
		return http.StatusGatewayTimeout
	case bkerrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, id string, err error) {
	berr := bkerrors.AsBotError(err)
	if berr == nil {
		berr = bkerrors.Wrap(err, "request failed")
	}
	writeJSON(w, statusFor(berr.Code()), errorResponse{ID: id, Error: berr})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
