// Package httpkit holds the JSON request/response helpers shared by every
// HTTP surface the worker exposes.
package httpkit

import (
	"encoding/json"
	"net/http"

	"pinehill/internal/pkg/errors"
	"pinehill/internal/pkg/logger"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteJSON writes v with the given status. Encoding failures are logged,
// not surfaced; headers are already gone by then.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("encode response")
	}
}

// WriteError maps an error to its HTTP status and a stable error body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Error("request failed")
	}

	var body ErrorBody
	body.Error.Code = string(errors.GetCode(err))
	body.Error.Message = err.Error()
	if status >= http.StatusInternalServerError {
		// Internal details stay in the log.
		body.Error.Message = "internal error"
	}
	WriteJSON(w, r, status, body)
}

// DecodeJSON reads a bounded JSON body into v.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpkit.DecodeJSON", "invalid request body")
	}
	return nil
}
