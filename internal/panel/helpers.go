package panel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a stepflow error code onto an HTTP status.
func statusFor(err error) int {
	switch flow.CodeOf(err) {
	case flow.ErrCodeNotFound:
		return http.StatusNotFound
	case flow.ErrCodeValidation, flow.ErrCodeMissingArgument:
		return http.StatusBadRequest
	case flow.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
