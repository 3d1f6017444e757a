// Package echo provides an Echo handler that receives payment provider webhooks
package echo

import (
	"github.com/labstack/echo/v4"

	mwhttp "github.com/mihaimyh/payrecon/middleware/http"
)

// Config holds receiver configuration; see the http middleware package for fields
type Config = mwhttp.Config

// Webhook creates an Echo handler that authenticates, parses and reconciles deliveries.
// Mount it on a POST route.
func Webhook(config Config) (echo.HandlerFunc, error) {
	config, err := config.Normalized()
	if err != nil {
		return nil, err
	}

	return func(c echo.Context) error {
		req := c.Request()
		c.Response().Header().Set("Cache-Control", "no-store")

		payload, err := mwhttp.ReadBody(req.Body, config.MaxBodyBytes)
		if err != nil {
			resp := mwhttp.BodyError(err)
			return c.JSON(resp.StatusCode, resp.Body)
		}

		resp := mwhttp.Deliver(req.Context(), config, payload, req.Header.Get(config.SignatureHeader))
		return c.JSON(resp.StatusCode, resp.Body)
	}, nil
}
