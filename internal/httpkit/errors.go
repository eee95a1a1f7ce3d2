// Package httpkit adapts internal/verr error kinds to HTTP responses,
// the way pkg/api/errors.go maps tarsy's service errors to echo's
// *HTTPError.
package httpkit

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/run-vibes/vibes-core/internal/verr"
)

// MapError converts a core error into an *echo.HTTPError with the
// status appropriate to its verr kind. Unrecognized errors map to 500
// and are logged, mirroring mapServiceError's default branch.
func MapError(log *slog.Logger, err error) *echo.HTTPError {
	if err == nil {
		return nil
	}

	var notFound *verr.NotFoundError
	var invalidState *verr.InvalidStateError
	var duplicate *verr.DuplicateError
	var backendFailure *verr.BackendFailureError
	var timeout *verr.TimeoutError
	var persistence *verr.PersistenceError
	var conflict *verr.ConflictError
	var policyDenied *verr.PolicyDeniedError

	switch {
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.As(err, &invalidState):
		return echo.NewHTTPError(http.StatusConflict, invalidState.Error())
	case errors.As(err, &duplicate):
		return echo.NewHTTPError(http.StatusConflict, duplicate.Error())
	case errors.As(err, &backendFailure):
		return echo.NewHTTPError(http.StatusBadGateway, backendFailure.Error())
	case errors.As(err, &timeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, timeout.Error())
	case errors.As(err, &persistence):
		if log != nil {
			log.Error("persistence failure", "error", err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Error())
	case errors.As(err, &policyDenied):
		return echo.NewHTTPError(http.StatusForbidden, policyDenied.Error())
	default:
		if log != nil {
			log.Error("unhandled error", "error", err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
