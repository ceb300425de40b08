// Package httpapi exposes form definitions, stateless validation, and live
// form instances over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/yanizio/formgate/internal/logger"
)

const maxBodyBytes = 1 << 20

// errorBody is the envelope for every non-2xx response that is not a form
// snapshot.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes body with status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeNotFound(w http.ResponseWriter, what string) {
	writeError(w, http.StatusNotFound, "not_found", what+" not found")
}

// decodeBody reads a JSON body into dst.  Numbers stay json.Number so
// "12.50" and 12.5 reach the rules unchanged.  An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Debugw("bad request", "err", err)
	writeError(w, http.StatusBadRequest, "bad_request", err.Error())
}
