package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/shutter/internal/common"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireMethod rejects requests with the wrong HTTP method.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "Method not allowed",
		})
		return false
	}
	return true
}

// WriteError maps a service error onto the HTTP status taxonomy.
func WriteError(w http.ResponseWriter, err error) {
	code := common.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case common.ErrValidation:
		status = http.StatusBadRequest
	case common.ErrNavigation, common.ErrScreenshot:
		status = http.StatusUnprocessableEntity
	case common.ErrSystemOverloaded, common.ErrRateLimited:
		status = http.StatusTooManyRequests
	case common.ErrCircuitBreakerOpen, common.ErrMaxRetriesExceeded:
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, map[string]interface{}{
		"error":   string(code),
		"message": err.Error(),
	})
}
