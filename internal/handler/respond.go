package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
)

// fail maps a service error onto a JSON response.  Unknown errors are
// logged and reported as 500 without their text.
func fail(c echo.Context, err error) error {
	var (
		ve *raffle.ValidationError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return c.JSON(he.Code, echo.Map{"error": he.Message})
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, raffle.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	}
	if nums, ok := raffle.UnavailableNumbers(err); ok {
		return c.JSON(http.StatusConflict, echo.Map{"error": "numbers unavailable", "unavailable": nums})
	}
	switch {
	case errors.Is(err, raffle.ErrStateConflict),
		errors.Is(err, raffle.ErrPrizeInUse),
		errors.Is(err, raffle.ErrAllocationConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, raffle.ErrPrizeUnavailable),
		errors.Is(err, raffle.ErrInsufficientAvailability),
		errors.Is(err, raffle.ErrNoParticipants):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, payment.ErrGateway):
		logrus.WithError(err).WithField("path", c.Path()).Warn("payment provider error")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable"})
	}
	logrus.WithError(err).WithField("path", c.Path()).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// bind decodes and validates the request body into v.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(v)
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// queryInt reads an optional integer query parameter.
func queryInt(c echo.Context, name string, def int) int {
	if n, err := strconv.Atoi(c.QueryParam(name)); err == nil {
		return n
	}
	return def
}
