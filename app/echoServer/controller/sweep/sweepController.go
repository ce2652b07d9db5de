package sweep

import (
	"log/slog"
	"net/http"

	sweepsvc "marketpay/service/sweep"

	"github.com/labstack/echo/v4"
)

type Controller struct {
	Svc sweepsvc.Service
	Log *slog.Logger
}

// POST /v1/admin/sweep
// Runs one sweep immediately. Safe next to the background ticker: overlapping
// runs are absorbed by the reconciliation path.
func (h *Controller) RunSweep(c echo.Context) error {
	sum, err := h.Svc.Run(c.Request().Context())
	if err != nil {
		h.Log.Error("manual sweep failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, sum)
}
