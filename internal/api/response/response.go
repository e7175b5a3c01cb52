package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/axnotify/internal/api/errors"
	"github.com/rs/zerolog"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// ListMeta describes a list reply
type ListMeta struct {
	Count int `json:"count"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	send(w, r, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// List sends a list with its count in the meta block
func List(w http.ResponseWriter, r *http.Request, items any, count int) {
	send(w, r, http.StatusOK, Response{
		Success:   true,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      items,
		Meta:      ListMeta{Count: count},
	})
}

// Error sends an error response; plain errors are mapped by errors.FromError
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	send(w, r, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func send(w http.ResponseWriter, r *http.Request, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Headers are gone by now, so an encode failure can only be logged
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode response")
	}
}
