package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/craftplane/craftplane/internal/apierr"
)

// sendError converts any error into the one wire shape, {kind, message,
// context}, under the kind's HTTP status. Causes outside the closed kind
// set never leak their text.
func (s *Store) sendError(c *gin.Context, err error) {
	pub := apierr.Public(err)

	// The full chain goes to gin's error list for the request log; only
	// the public form goes on the wire.
	_ = c.Error(err)

	c.AbortWithStatusJSON(apierr.HTTPStatus(pub.Kind), pub)
}

// bindJSON decodes the request body into dst. Malformed bodies answer as
// InvalidRequest; the caller just returns on false.
func (s *Store) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.sendError(c, apierr.Wrap(apierr.InvalidRequest, err, "request body is not valid JSON for this operation"))

		return false
	}

	return true
}

// intParam parses a numeric path segment.
func (s *Store) intParam(c *gin.Context, name string) (int, bool) {
	value, err := strconv.Atoi(c.Param(name))
	if err != nil || value <= 0 {
		s.sendError(c, apierr.New(apierr.InvalidRequest, "%s must be a positive integer", name))

		return 0, false
	}

	return value, true
}
