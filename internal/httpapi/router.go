// internal/httpapi/router.go
//
// Route table.
//
//	GET    /healthz                          liveness
//	GET    /metrics                          Prometheus
//	GET    /forms                            definition IDs
//	GET    /forms/{formID}                   definition (client hints)
//	POST   /forms/{formID}/validate          stateless validation
//	POST   /forms/{formID}/instances         create a live instance
//	GET    /instances/{id}                   snapshot
//	PUT    /instances/{id}/fields/{field}    change (and optionally blur)
//	POST   /instances/{id}/submit            run the submit state machine
//	DELETE /instances/{id}                   discard
//
// Instance routes require the X-Instance-Token header returned by create
// when Dependencies.Tokens is set.
// Health and metrics sit outside the request logger so probes do not
// flood the log.

package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/instance"
	"github.com/yanizio/formgate/internal/middleware"
)

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Definitions *form.Registry
	Instances   *instance.Registry

	// Checker binds uniqueness checks.  Nil disables them.
	Checker form.CheckerFunc
	// Submitter returns the backend call for a definition.
	Submitter func(d *form.Definition) form.SubmitFunc
	// AsyncOptions is called once per validator so every instance gets its
	// own result cache.
	AsyncOptions func() []form.AsyncOption

	// Tokens signs instance IDs.  Nil disables the token check.
	Tokens *instance.Signer

	// BaseContext parents background async checks, which outlive the
	// request that started them.
	BaseContext context.Context
	Logger      *zap.SugaredLogger
}

type api struct {
	Dependencies
}

// NewRouter builds the chi router with the middleware chain.
func NewRouter(deps Dependencies) chi.Router {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = zap.S()
	}
	if deps.AsyncOptions == nil {
		deps.AsyncOptions = func() []form.AsyncOption { return nil }
	}
	a := &api{Dependencies: deps}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Security)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(chimw.RequestID)
		r.Use(middleware.RequestLog(deps.Logger))

		r.Get("/forms", a.listForms)
		r.Route("/forms/{formID}", func(r chi.Router) {
			r.Get("/", a.getForm)
			r.Post("/validate", a.validate)
			r.Post("/instances", a.createInstance)
		})
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Use(a.requireToken)
			r.Get("/", a.getInstance)
			r.Delete("/", a.deleteInstance)
			r.Put("/fields/{field}", a.setField)
			r.Post("/submit", a.submit)
		})
	})
	return r
}

// TokenHeader carries the instance token.
const TokenHeader = "X-Instance-Token"

func (a *api) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Tokens != nil && !a.Tokens.Verify(chi.URLParam(r, "id"), r.Header.Get(TokenHeader)) {
			writeError(w, http.StatusForbidden, "forbidden", "missing or invalid instance token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
