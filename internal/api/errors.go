package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/session"
)

var (
	// ErrBadRequest marks client-side validation failures.
	ErrBadRequest = errors.New("bad request")
	// ErrNoTrack is returned when no track is displayed.
	ErrNoTrack = errors.New("no track displayed")
)

// statusFor maps session and API errors onto HTTP status codes.
func statusFor(err error) int {
	var oor core.ErrThresholdOutOfRange
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.As(err, &oor):
		return http.StatusBadRequest

	case errors.Is(err, session.ErrFeatureNotFound),
		errors.Is(err, ErrNoTrack):
		return http.StatusNotFound

	case errors.Is(err, session.ErrTrackSuperseded),
		errors.Is(err, session.ErrControlDisabled),
		errors.Is(err, session.ErrAlreadyLoaded),
		errors.Is(err, session.ErrLoadInProgress):
		return http.StatusConflict

	case errors.Is(err, session.ErrNotLoaded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, statusFor(err), errorBody{Error: err.Error()})
}
