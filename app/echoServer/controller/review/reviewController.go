package review

import (
	"log/slog"
	"net/http"

	reviewsvc "marketpay/service/review"

	"github.com/labstack/echo/v4"
)

type Controller struct {
	Svc reviewsvc.Service
	Log *slog.Logger
}

// GET /v1/admin/reviews
func (h *Controller) ListFailed(c echo.Context) error {
	rows, err := h.Svc.ListFailed(c.Request().Context())
	if err != nil {
		h.Log.Error("list failed records errored", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"data": rows})
}
