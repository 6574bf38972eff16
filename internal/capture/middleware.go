package capture

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Middleware recovers handler panics and signals them to p, answering 500
// with the error id. Errors attached with c.Error are signalled when the
// response status is 500 or above.
func Middleware(p *Pipeline, app string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}
			e := FromPanic(r, c.Request, app, p.Host())
			if err := p.Signal(SourceHTTP, e); err != nil && !errors.Is(err, ErrFiltered) {
				p.logger.Error().Err(err).Msg("signal panic")
			}
			p.logger.Error().Str("type", e.Type()).Str("id", e.ID()).Str("url", e.URL()).Msg("recovered panic")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
				"id":    e.ID(),
			})
		}()

		c.Next()

		status := c.Writer.Status()
		if status < http.StatusInternalServerError {
			return
		}
		for _, ge := range c.Errors {
			e := FromError(ge.Err, c.Request, app, p.Host(), status)
			if e == nil {
				continue
			}
			if err := p.Signal(SourceHTTP, e); err != nil && !errors.Is(err, ErrFiltered) {
				p.logger.Error().Err(err).Msg("signal handler error")
			}
		}
	}
}
