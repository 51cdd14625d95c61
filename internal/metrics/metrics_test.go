package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	assert.NilError(t, err)
	return string(body)
}

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(zerolog.Nop())

	c.SessionStarted(models.PlatformLever)
	c.SessionStarted(models.PlatformLever)
	c.SessionFinished(models.PlatformLever, models.StatusCompleted)
	c.ApplicationFinished(models.PlatformLever, models.LinkSuccess, 42*time.Second)
	c.ChannelCount(models.PlatformIndeed, 3)

	out := scrape(t, c)
	assert.Check(t, is.Contains(out, `applypilot_sessions_started_total{platform="lever"} 2`))
	assert.Check(t, is.Contains(out, `applypilot_active_sessions{platform="lever"} 1`))
	assert.Check(t, is.Contains(out, `applypilot_applications_total{platform="lever",status="SUCCESS"} 1`))
	assert.Check(t, is.Contains(out, `applypilot_open_channels{platform="indeed"} 3`))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SessionStarted(models.PlatformLever)
	c.ApplicationFinished(models.PlatformLever, models.LinkError, time.Second)
	c.ChannelCount(models.PlatformLever, 1)
	c.RateLimited("/v1/automation/start")
	c.Injection(false)
	assert.Check(t, c.Registry() == nil)
}
