package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes an error body in the {"detail": reason} shape the
// control-panel clients already parse.
func writeDetail(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]string{"detail": reason})
}

var statusSuccess = map[string]string{"status": "success"}
