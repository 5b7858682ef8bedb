package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit    = 20
	maxLimit        = 100
	maxLimitThinned = 1000
)

// pageParams is the common pagination triple. A negative start means
// "anchored at the tip" for endpoints that support backwards paging;
// everywhere else it clamps to an empty result.
type pageParams struct {
	start     int64
	limit     int
	interval  int64
	backwards bool
}

func parsePage(c *gin.Context) pageParams {
	p := pageParams{limit: defaultLimit}

	if raw := c.Query("start"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.start = v
		}
	}
	if raw := c.Query("interval"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 1 {
			p.interval = v
		}
	}

	max := maxLimit
	if p.interval > 1 {
		max = maxLimitThinned
	}
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			p.limit = v
		}
	}
	if p.limit > max {
		p.limit = max
	}

	p.backwards = p.start < 0
	return p
}

// confirmedFilter parses the three-valued confirmed query param:
// "true", "false", or absent/empty for both.
func confirmedFilter(c *gin.Context) *bool {
	switch c.Query("confirmed") {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}
