package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DataResponse writes a successful envelope with the given status.
func DataResponse(c echo.Context, statusCode int, data interface{}) error {
	return c.JSON(statusCode, Envelope{Success: true, Data: data})
}

// SuccessResponse writes success response.
func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

// CreatedResponse writes created response.
func CreatedResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusCreated, data)
}

// NoContentResponse writes no content response.
func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// ErrorResponse writes a failed envelope.
func ErrorResponse(c echo.Context, status int, detail ErrorDetail) error {
	return c.JSON(status, Envelope{Success: false, Error: &detail})
}

// BadRequestResponse writes request validation errors.
func BadRequestResponse(c echo.Context, details []ValidationError) error {
	return ErrorResponse(c, http.StatusBadRequest, ErrorDetail{
		Code:    "ERR_BAD_REQUEST",
		Message: "request validation failed",
		Details: details,
	})
}

// AppErrorResponse writes any error as an envelope; ClientError kinds keep their code.
func AppErrorResponse(c echo.Context, err error) error {
	appErr := AppErrorFrom(err)

	var ve validationErrors
	if errors.As(err, &ve) {
		return BadRequestResponse(c, ve)
	}
	return ErrorResponse(c, appErr.Status, ErrorDetail{
		Code:    appErr.Code,
		Message: appErr.Message,
		Params:  appErr.Params,
	})
}
