package util

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope every endpoint returns. Handlers that carry extra
// payload embed it.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Response{Success: false, Message: msg})
}

func WriteOK(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Message: msg})
}
