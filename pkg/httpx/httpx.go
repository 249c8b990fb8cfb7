package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError emits the standard error envelope. Code is one of the
// mandate taxonomy codes (NOT_FOUND, TAMPERED, TOKEN_MISMATCH, EXPIRED,
// ALREADY_PROCESSED, UNAUTHORIZED, INVALID_STATE, VALIDATION_ERROR,
// MANDATE_INVALID) or a transport-level code like BAD_JSON.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
