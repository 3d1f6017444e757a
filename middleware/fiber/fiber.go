// Package fiber provides a Fiber handler that receives payment provider webhooks
package fiber

import (
	"github.com/gofiber/fiber/v2"

	mwhttp "github.com/mihaimyh/payrecon/middleware/http"
)

// Config holds receiver configuration; see the http middleware package for fields
type Config = mwhttp.Config

// Webhook creates a Fiber handler that authenticates, parses and reconciles deliveries.
// Mount it on a POST route. Fiber's own BodyLimit applies first.
func Webhook(config Config) (fiber.Handler, error) {
	config, err := config.Normalized()
	if err != nil {
		return nil, err
	}

	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-store")

		// fasthttp reuses the request buffer once the handler returns
		body := c.Body()
		if int64(len(body)) > config.MaxBodyBytes {
			resp := mwhttp.BodyError(mwhttp.ErrPayloadTooLarge)
			return c.Status(resp.StatusCode).JSON(resp.Body)
		}
		payload := append([]byte(nil), body...)

		resp := mwhttp.Deliver(c.UserContext(), config, payload, c.Get(config.SignatureHeader))
		return c.Status(resp.StatusCode).JSON(resp.Body)
	}, nil
}
