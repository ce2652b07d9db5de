package ingest

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	ingestsvc "marketpay/service/ingest"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type Controller struct {
	Svc          ingestsvc.Service
	V            *validator.Validate
	Log          *slog.Logger
	WebhookToken string
}

// POST /v1/payments/confirmations
// Delivery is at-least-once: redelivery answers 200 with created=false.
func (h *Controller) HandleConfirmation(c echo.Context) error {
	token := c.Request().Header.Get("X-Callback-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.WebhookToken)) != 1 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "unauthorized"})
	}

	var req ConfirmationReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid json"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "validation error", "detail": err.Error()})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "unparseable amount"})
	}
	fee := decimal.Zero
	if req.PlatformFee != "" {
		fee, err = decimal.NewFromString(req.PlatformFee)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"message": "unparseable platform fee"})
		}
	}

	res, err := h.Svc.HandleConfirmation(c.Request().Context(), ingestsvc.Confirmation{
		PaymentReference:     req.PaymentReference,
		ChargeReference:      req.ChargeReference,
		Destination:          req.Destination,
		Amount:               amount,
		PlatformFee:          fee,
		Currency:             req.Currency,
		ServiceWindowEnd:     req.ServiceWindowEnd,
		PaymentConfirmedAt:   req.PaymentConfirmedAt,
		AgingPeriodDays:      req.AgingPeriodDays,
		ComplaintWindowHours: req.ComplaintWindowHours,
	})
	if err != nil {
		if errors.Is(err, ingestsvc.ErrBadInput) {
			return c.JSON(http.StatusBadRequest, echo.Map{"message": "confirmation rejected", "detail": err.Error()})
		}
		h.Log.Error("confirmation ingest failed", "payment_reference", req.PaymentReference, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}

	return c.JSON(http.StatusOK, ConfirmationResp{
		RecordID:    res.RecordID,
		Created:     res.Created,
		ScheduledAt: res.ScheduledAt,
	})
}
