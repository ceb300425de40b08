// internal/httpapi/instances.go
//
// Live form instances.  Each instance is a form.Form held in the registry
// between requests, so async checks started by one request are visible to
// the next, and Submit sees the same touched fields and cached results the
// user saw.
//
// Submit status mapping
// ---------------------
//   200  success
//   409  another submit is running
//   422  local, async, or server field errors
//   502  backend transport failure
//   503  request ended while waiting on async checks
// Every submit response carries the instance snapshot so the client can
// redraw errors without a second round-trip.

package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yanizio/formgate/internal/form"
	"github.com/yanizio/formgate/internal/instance"
	"github.com/yanizio/formgate/internal/logger"
)

type createRequest struct {
	Values    form.Values `json:"values"`
	ExcludeID string      `json:"exclude_id"`
}

type setFieldRequest struct {
	Value any  `json:"value"`
	Blur  bool `json:"blur"`
}

// instanceView is the JSON shape of one instance.
type instanceView struct {
	ID     string `json:"id"`
	FormID string `json:"form_id"`
	Token  string `json:"token,omitempty"` // Only on create.
	form.Snapshot
}

type submitView struct {
	Outcome  string       `json:"outcome"`
	Kind     string       `json:"kind,omitempty"`
	Instance instanceView `json:"instance"`
}

func view(inst *instance.Instance) instanceView {
	return instanceView{ID: inst.ID, FormID: inst.FormID, Snapshot: inst.Form.Snapshot()}
}

// lookupInstance leases the instance named in the URL.  Callers defer
// inst.Release().
func (a *api) lookupInstance(w http.ResponseWriter, r *http.Request) (*instance.Instance, bool) {
	inst, err := a.Instances.Acquire(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "instance")
		return nil, false
	}
	return inst, true
}

func (a *api) createInstance(w http.ResponseWriter, r *http.Request) {
	d, ok := a.definition(w, r)
	if !ok {
		return
	}
	var req createRequest
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

	log := a.Logger.With("form", d.ID)
	f := form.New(s,
		form.WithValues(req.Values),
		form.WithFieldNames(d.FieldNames()),
		form.WithLogger(log),
		form.WithContext(a.BaseContext),
		form.WithAsyncOptions(a.AsyncOptions()...),
	)
	inst := a.Instances.Create(d.ID, f)
	log.Debugw("form instance created", "id", inst.ID, "exclude_id", req.ExcludeID)

	v := view(inst)
	if a.Tokens != nil {
		v.Token = a.Tokens.Sign(inst.ID)
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *api) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.lookupInstance(w, r)
	if !ok {
		return
	}
	defer inst.Release()
	writeJSON(w, http.StatusOK, view(inst))
}

func (a *api) deleteInstance(w http.ResponseWriter, r *http.Request) {
	a.Instances.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setField(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.lookupInstance(w, r)
	if !ok {
		return
	}
	defer inst.Release()
	field := chi.URLParam(r, "field")
	if !inst.Form.Schema().HasField(field) {
		writeNotFound(w, "field "+field)
		return
	}
	var req setFieldRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}

	inst.Form.Set(field, req.Value)
	if req.Blur {
		inst.Form.Blur(field)
	}
	writeJSON(w, http.StatusOK, view(inst))
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.lookupInstance(w, r)
	if !ok {
		return
	}
	defer inst.Release()
	d, found := a.Definitions.Lookup(inst.FormID)
	if !found || a.Submitter == nil {
		writeError(w, http.StatusInternalServerError, "internal", "no submitter configured")
		return
	}

	err := inst.Form.Submit(r.Context(), a.Submitter(d))
	status, body := submitResult(err)
	if status == http.StatusConflict {
		writeError(w, status, "conflict", err.Error())
		return
	}
	body.Instance = view(inst)
	writeJSON(w, status, body)
}

func submitResult(err error) (int, submitView) {
	var (
		ve *form.ValidationError
		te *form.TransportError
	)
	switch {
	case err == nil:
		return http.StatusOK, submitView{Outcome: "success"}
	case errors.Is(err, form.ErrSubmitInProgress):
		return http.StatusConflict, submitView{}
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, submitView{Outcome: "invalid", Kind: ve.Kind.String()}
	case errors.As(err, &te):
		return http.StatusBadGateway, submitView{Outcome: "transport_error"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, submitView{Outcome: "cancelled"}
	default:
		return http.StatusInternalServerError, submitView{Outcome: "error"}
	}
}
