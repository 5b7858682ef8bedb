package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func testContext(target string) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", target, nil)
	return c
}

func TestParsePageDefaults(t *testing.T) {
	p := parsePage(testContext("/blocks/"))
	if p.start != 0 || p.limit != defaultLimit || p.interval != 0 || p.backwards {
		t.Errorf("defaults = %+v, want start=0 limit=%d interval=0 forwards", p, defaultLimit)
	}
}

func TestParsePageLimitCap(t *testing.T) {
	p := parsePage(testContext("/blocks/?limit=5000"))
	if p.limit != maxLimit {
		t.Errorf("limit capped to %d, want %d", p.limit, maxLimit)
	}

	// With an interval the cap is relaxed for thinned charting queries.
	p = parsePage(testContext("/blocks/?limit=5000&interval=144"))
	if p.limit != maxLimitThinned {
		t.Errorf("thinned limit capped to %d, want %d", p.limit, maxLimitThinned)
	}
	if p.interval != 144 {
		t.Errorf("interval = %d, want 144", p.interval)
	}
}

func TestParsePageBackwards(t *testing.T) {
	p := parsePage(testContext("/blocks/?start=-20"))
	if !p.backwards || p.start != -20 {
		t.Errorf("negative start: %+v, want backwards with start=-20", p)
	}
}

func TestParsePageIgnoresJunk(t *testing.T) {
	p := parsePage(testContext("/blocks/?start=abc&limit=-3&interval=1"))
	if p.start != 0 || p.limit != defaultLimit || p.interval != 0 {
		t.Errorf("junk params parsed into %+v", p)
	}
}

func TestConfirmedFilter(t *testing.T) {
	if v := confirmedFilter(testContext("/transactions/?confirmed=true")); v == nil || !*v {
		t.Errorf("confirmed=true parsed as %v", v)
	}
	if v := confirmedFilter(testContext("/transactions/?confirmed=false")); v == nil || *v {
		t.Errorf("confirmed=false parsed as %v", v)
	}
	if v := confirmedFilter(testContext("/transactions/")); v != nil {
		t.Errorf("absent confirmed parsed as %v, want nil", v)
	}
	if v := confirmedFilter(testContext("/transactions/?confirmed=")); v != nil {
		t.Errorf("empty confirmed parsed as %v, want nil", v)
	}
}
