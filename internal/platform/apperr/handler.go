package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// HTTPErrorHandler renders *Error and *echo.HTTPError as JSON. Internal
// errors are logged and reported with a generic message.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func render(err error) (int, errorBody) {
	var ae *Error
	if errors.As(err, &ae) {
		status := ae.Kind.Status()
		if ae.Kind == KindInternal {
			return status, errorBody{Error: ae.Kind.String(), Message: "internal server error"}
		}
		return status, errorBody{Error: ae.Kind.String(), Message: ae.Message, Fields: ae.Fields}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, errorBody{Error: http.StatusText(he.Code), Message: msg}
	}

	return http.StatusInternalServerError, errorBody{Error: KindInternal.String(), Message: "internal server error"}
}
