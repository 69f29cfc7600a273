package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"fleetsync/internal/geometry"
	"fleetsync/internal/linker"
	"fleetsync/internal/schedule"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
)

const maxBody = 1 << 20

var errMalformedBody = errors.New("malformed request body")

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var remote *traccar.RemoteServiceError
	switch {
	case errors.Is(err, errMalformedBody):
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, geometry.ErrInvalidGeometry),
		errors.Is(err, schedule.ErrBadCronExpression),
		errors.Is(err, linker.ErrValidation),
		errors.Is(err, errInvalidRequest):
		writeProblem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error(), r.URL.Path)
	case errors.As(err, &remote):
		writeProblem(w, http.StatusBadGateway, "Telemetry API Error", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
	}
}

// decodeJSON reads a bounded request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}
