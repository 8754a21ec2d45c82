// Package respond contains small helpers for writing uniform JSON API
// responses.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/wb-go/wbf/zlog"
)

type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, successResponse{Success: true, Data: data})
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, successResponse{Success: true, Data: data})
}

// Fail writes an error response with the given status code.
func Fail(w http.ResponseWriter, status int, err error) {
	write(w, status, errorResponse{Success: false, Error: err.Error()})
}
