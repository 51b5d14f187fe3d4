package ipc

import (
	"errors"
	"net/http"

	"telemetryd/internal/devices"
	"telemetryd/internal/errs"
	"telemetryd/internal/trainer"
)

// apiError is the {code, message} shape spec.md §7 requires the UI-facing
// surface to serialize every error as.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorKind classifies err into one of the taxonomy's stable string codes
// and the HTTP status that code maps to: 404 for devices.ErrDeviceNotFound,
// 503 for trainer.ErrNotSupported (an operation the active trainer back-end
// cannot perform), everything else 500.
func errorKind(err error) (int, apiError) {
	switch {
	case err == nil:
		return http.StatusOK, apiError{}
	case errors.Is(err, devices.ErrDeviceNotFound):
		return http.StatusNotFound, apiError{Code: errs.DeviceNotFoundError.Code(), Message: err.Error()}
	case errors.Is(err, trainer.ErrNotSupported):
		return http.StatusServiceUnavailable, apiError{Code: errs.SessionError.Code(), Message: err.Error()}
	default:
		kind := errs.KindOf(err)
		return http.StatusInternalServerError, apiError{Code: kind.Code(), Message: err.Error()}
	}
}
