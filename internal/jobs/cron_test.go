package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
	"github.com/GovTechSG/TLP-CAPT/internal/jobs"
)

type stubSweeper struct{}

func (stubSweeper) Sweep(context.Context, time.Time) ([]int64, error) { return nil, nil }

type stubLocker struct{}

func (stubLocker) TryProjectLock(context.Context, int64) (bool, error) { return true, nil }
func (stubLocker) ProjectUnlock(context.Context, int64) error          { return nil }

func TestNewCronToleratesBadConfig(t *testing.T) {
	t.Run("invalid timezone falls back to local", func(t *testing.T) {
		cfg := config.Config{TZ: "Not/AZone", SweepCron: "0 9 * * *"}

		c := jobs.NewCron(cfg, zerolog.Nop(), stubSweeper{}, stubLocker{})

		require.NotNil(t, c)
		c.Start()
		c.Stop()
	})

	t.Run("invalid sweep spec leaves the cron idle instead of panicking", func(t *testing.T) {
		cfg := config.Config{TZ: "UTC", SweepCron: "definitely not a cron spec"}

		c := jobs.NewCron(cfg, zerolog.Nop(), stubSweeper{}, stubLocker{})

		require.NotNil(t, c)
		c.Start()
		c.Stop()
	})
}
