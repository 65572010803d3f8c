package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a plain message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeStepError maps err to a status code, keeping its code and field.
func writeStepError(w http.ResponseWriter, err error) {
	var se *schema.StepError
	if !errors.As(err, &se) {
		if errors.Is(err, engine.ErrPoolShutdown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(se.Code), errorBody{Error: se.Message, Code: se.Code, Field: se.Field})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeRequiredField, schema.ErrCodeInvalidJSON,
		schema.ErrCodeUploadInProgress, schema.ErrCodeSchemaMismatch, schema.ErrCodeInvalidConfig,
		schema.ErrCodeExpression:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTransport, schema.ErrCodeSync:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves dst unchanged.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// controller resolves the {id} path value, writing a 404 when unmounted.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*engine.Controller, bool) {
	id := r.PathValue("id")
	c, ok := s.deps.Manager.Get(id)
	if !ok {
		writeStepError(w, schema.NewErrorf(schema.ErrCodeNotFound, "node %q is not mounted", id))
		return nil, false
	}
	return c, true
}
