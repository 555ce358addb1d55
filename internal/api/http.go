package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxRequestBodySize = 1 << 20

// BearerAuth rejects requests that do not carry token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// httpError writes {"error": {"message", "type"}}, the shape the CLI parses.
func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, struct {
		Error errorDetail `json:"error"`
	}{errorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

// decodeBody reads one JSON value of at most limit bytes into v. On failure
// it writes the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON body")
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "request body is empty")
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
	}
	return false
}

// parseIntParam reads a non-negative query parameter, clamped to maxVal
// when maxVal is positive.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 {
		return min(v, maxVal)
	}
	return v
}
