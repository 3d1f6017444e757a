// Package gin provides a Gin handler that receives payment provider webhooks
package gin

import (
	"github.com/gin-gonic/gin"

	mwhttp "github.com/mihaimyh/payrecon/middleware/http"
)

// Config holds receiver configuration; see the http middleware package for fields
type Config = mwhttp.Config

// Webhook creates a Gin handler that authenticates, parses and reconciles deliveries.
// Mount it on a POST route.
func Webhook(config Config) (gin.HandlerFunc, error) {
	config, err := config.Normalized()
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")

		payload, err := mwhttp.ReadBody(c.Request.Body, config.MaxBodyBytes)
		if err != nil {
			resp := mwhttp.BodyError(err)
			c.AbortWithStatusJSON(resp.StatusCode, resp.Body)
			return
		}

		resp := mwhttp.Deliver(c.Request.Context(), config, payload, c.GetHeader(config.SignatureHeader))
		if resp.StatusCode >= 300 {
			c.AbortWithStatusJSON(resp.StatusCode, resp.Body)
			return
		}
		c.JSON(resp.StatusCode, resp.Body)
	}, nil
}
