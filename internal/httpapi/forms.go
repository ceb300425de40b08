// internal/httpapi/forms.go
//
// Definition-level handlers: listing, client hints, and stateless
// validation.  Stateless validation runs the schema, then every uniqueness
// check whose field passed locally, and waits for all of them.

package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/logger"
	"github.com/yanizio/formgate/internal/metrics"
)

type validateRequest struct {
	Values    form.Values `json:"values"`
	ExcludeID string      `json:"exclude_id"`
}

func (a *api) definition(w http.ResponseWriter, r *http.Request) (*form.Definition, bool) {
	id := chi.URLParam(r, "formID")
	d, ok := a.Definitions.Lookup(id)
	if !ok {
		writeNotFound(w, "form "+id)
	}
	return d, ok
}

func (a *api) schema(d *form.Definition, excludeID string) (form.Schema, error) {
	return d.Schema(form.SchemaOptions{Checker: a.Checker, ExcludeID: excludeID})
}

func (a *api) listForms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"forms": a.Definitions.IDs()})
}

func (a *api) getForm(w http.ResponseWriter, r *http.Request) {
	d, ok := a.definition(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) validate(w http.ResponseWriter, r *http.Request) {
	d, ok := a.definition(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	s, err := a.schema(d, req.ExcludeID)
	if err != nil {
		logger.FromContext(r.Context()).Errorw("schema build failed", "form", d.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "form definition is invalid")
		return
	}

	res := form.Validate(req.Values, s)
	metrics.ValidationPassesTotal.Inc()
	a.runAsync(r.Context(), s, req.Values, res.Errors)
	res.Valid = len(res.Errors) == 0

	writeJSON(w, http.StatusOK, res)
}

// runAsync checks every async field without a local error and merges
// rejections into errs.
func (a *api) runAsync(ctx context.Context, s form.Schema, values form.Values, errs map[string]string) {
	if len(s.Async) == 0 {
		return
	}
	av := form.NewAsyncValidator(s.Async,
		append(a.AsyncOptions(), form.WithAsyncLogger(logger.FromContext(ctx)))...)

	var waiting []<-chan form.AsyncOutcome
	for _, field := range av.Fields() {
		if _, bad := errs[field]; bad {
			continue
		}
		v, present := values[field]
		if !present || form.IsEmpty(v) {
			continue
		}
		waiting = append(waiting, av.Start(ctx, field, form.StringValue(v)))
	}
	for _, ch := range waiting {
		if out := <-ch; out.Err == nil && out.Message != "" {
			errs[out.Field] = out.Message
		}
	}
}
