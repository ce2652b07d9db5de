package echoServer

import (
	"marketpay/app/echoServer/controller/ingest"
	"marketpay/app/echoServer/controller/review"
	"marketpay/app/echoServer/controller/sweep"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

type C struct {
	Ingest *ingest.Controller
	Sweep  *sweep.Controller
	Review *review.Controller

	JWTSecret string
}

func Register(e *echo.Echo, c C) {
	// Webhook: authenticated by callback token inside the controller
	pub := e.Group("/v1")
	pub.POST("/payments/confirmations", c.Ingest.HandleConfirmation)

	// Operator surface
	admin := e.Group("/v1/admin")
	admin.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(c.JWTSecret),
		NewClaimsFunc: func(c echo.Context) jwt.Claims { return jwt.MapClaims{} },
		TokenLookup:   "header:Authorization",
	}))
	admin.POST("/sweep", c.Sweep.RunSweep)
	admin.GET("/reviews", c.Review.ListFailed)
}
