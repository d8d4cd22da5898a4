package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ash-run/ash/internal/db"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{db.SandboxWarming, db.SandboxWarm, true},
		{db.SandboxWarming, db.SandboxCold, true},
		{db.SandboxWarm, db.SandboxWaiting, true},
		{db.SandboxWaiting, db.SandboxRunning, true},
		{db.SandboxRunning, db.SandboxWaiting, true},
		{db.SandboxWaiting, db.SandboxCold, true},
		{db.SandboxCold, db.SandboxWarm, false},
		{db.SandboxWarm, db.SandboxRunning, false},
		{db.SandboxRunning, db.SandboxWarm, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, ValidTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
