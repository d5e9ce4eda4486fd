package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"jackdaw/hub/internal/auth"
	"jackdaw/hub/internal/jack"
	"jackdaw/hub/internal/ports"
	"jackdaw/hub/internal/rooms"
	"jackdaw/hub/internal/store"
	"jackdaw/hub/internal/transport"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps component errors to HTTP status codes per the hub's
// error taxonomy. Unknown errors are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrBadCredentials),
		errors.Is(err, store.ErrUnknownToken),
		errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized

	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auth.ErrRoomCreationDisabled),
		errors.Is(err, rooms.ErrCreateDisabled),
		errors.Is(err, rooms.ErrNotCreator):
		return http.StatusForbidden

	case errors.Is(err, rooms.ErrUnknownRoom),
		errors.Is(err, store.ErrUnknownUser):
		return http.StatusNotFound

	case errors.Is(err, store.ErrNameTaken),
		errors.Is(err, rooms.ErrRoomFull),
		errors.Is(err, jack.ErrAlreadyConnected),
		errors.Is(err, jack.ErrNotConnected):
		return http.StatusConflict

	case errors.Is(err, ports.ErrExhausted):
		return http.StatusServiceUnavailable

	case errors.Is(err, rooms.ErrBadPassphrase),
		errors.Is(err, rooms.ErrNotIn),
		errors.Is(err, jack.ErrUnknownPort),
		errors.Is(err, jack.ErrIncompatibleDirection):
		return http.StatusBadRequest

	case errors.Is(err, transport.ErrSpawnFailed):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// fail converts a component error into a JSON error response. Internal
// errors are logged with context and masked; expected failures surface
// their sentinel text.
func fail(c echo.Context, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request().Method, "uri", c.Request().RequestURI, "err", err)
		msg = "internal error"
	}
	return c.JSON(status, errorBody{Error: msg})
}

// errorHandler renders framework-level errors (unknown routes, middleware
// rejections) in the same {"error": ...} shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		} else {
			msg = http.StatusText(status)
		}
	} else {
		slog.Error("unhandled error", "uri", c.Request().RequestURI, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorBody{Error: msg})
}
