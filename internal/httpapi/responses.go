package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondSuccess(w http.ResponseWriter, data interface{}) {
	body := map[string]interface{}{"success": true}
	if m, ok := data.(map[string]interface{}); ok {
		for k, v := range m {
			body[k] = v
		}
	} else if data != nil {
		body["data"] = data
	}
	respondJSON(w, http.StatusOK, body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	log.Printf("[HTTPAPI] %d %s: %s", status, code, message)
	respondJSON(w, status, map[string]interface{}{
		"error":     message,
		"code":      code,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
