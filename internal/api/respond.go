package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the user-facing error shape. Internal detail stays in
// the server log.
type errorResponse struct {
	Error  string       `json:"error"`
	Fields []fieldError `json:"fields,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeValidationErrors(w http.ResponseWriter, errs []fieldError) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: errs})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
