// Package httputil holds the JSON helpers shared by the control API and the
// tracking edge.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// MaxBodyBytes bounds request bodies accepted by Decode.
const MaxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-2xx JSON answer. Code is a stable
// machine-readable tag; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON encodes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("[httputil] encode response", "status", status, "error", err)
	}
}

func OK(w http.ResponseWriter, data any)      { JSON(w, http.StatusOK, data) }
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

// Fail writes an ErrorResponse. code may be empty.
func Fail(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	Fail(w, http.StatusBadRequest, "bad_request", message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Fail(w, http.StatusUnauthorized, "unauthorized", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Fail(w, http.StatusNotFound, "not_found", message)
}

func Conflict(w http.ResponseWriter, code, message string) {
	Fail(w, http.StatusConflict, code, message)
}

// InternalError logs err and answers with a generic 500.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("[httputil] internal error", "error", err)
	Fail(w, http.StatusInternalServerError, "internal", "internal server error")
}

// Decode reads a JSON body of at most MaxBodyBytes into dst. On failure it
// has already written a 400 and returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
