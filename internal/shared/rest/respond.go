package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func RespondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func RespondError(w http.ResponseWriter, statusCode int, error string, message string) {
	RespondJSON(w, statusCode, ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	})
}

// Pagination reads limit and offset query parameters. Invalid values fall
// back to the defaults and limit is capped at MaxLimit.
func Pagination(r *http.Request) (limit, offset int) {
	query := r.URL.Query()

	limit = DefaultLimit
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 {
		limit = min(l, MaxLimit)
	}
	if o, err := strconv.Atoi(query.Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// NextOffset returns the offset of the following page, or nil on the last page.
func NextOffset(offset, limit, total int) *int {
	if offset+limit >= total {
		return nil
	}
	next := offset + limit
	return &next
}
