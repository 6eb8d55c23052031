package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gate-fs/gate/internal/cli/health"
)

func TestHealthRowRendersServiceAndUptime(t *testing.T) {
	r := health.Response{Status: "ok"}
	r.Data.Service = "gate-broker"
	r.Data.StartedAt = "2026-07-31T00:00:00Z"
	r.Data.Uptime = "90s"

	rows := healthRow{r: r}.Rows()
	assert.Len(t, rows, 1)
	assert.Equal(t, "ok", rows[0][0])
	assert.Equal(t, "gate-broker", rows[0][1])
	assert.Equal(t, "1m 30s", rows[0][3])
}
