package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/GovTechSG/TLP-CAPT/internal/config"
)

type sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]int64, error)
}

type locker interface {
	TryProjectLock(ctx context.Context, projectID int64) (bool, error)
	ProjectUnlock(ctx context.Context, projectID int64) error
}

// sweepLockID is the advisory-lock id guarding the sweep against overlapping
// runs from multiple instances. Distinct from any real project id.
const sweepLockID int64 = 0

type Cron struct {
	cfg  config.Config
	log  zerolog.Logger
	svc  sweeper
	lock locker
	c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc sweeper, lock locker) *Cron {
	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		log.Warn().Err(err).Str("tz", cfg.TZ).Msg("cron: bad timezone, using local")
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, svc: svc, lock: lock, c: c}
	if _, err := c.AddFunc(cfg.SweepCron, cr.sweep); err != nil {
		log.Error().Err(err).Str("spec", cfg.SweepCron).Msg("cron: invalid sweep spec, sweep not scheduled")
	}
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ok, err := cr.lock.TryProjectLock(ctx, sweepLockID)
	if err != nil {
		cr.log.Error().Err(err).Msg("cron: lock error")
		return
	}
	if !ok {
		cr.log.Info().Msg("cron: sweep already running elsewhere")
		return
	}
	defer func() { _ = cr.lock.ProjectUnlock(context.Background(), sweepLockID) }()
	cr.log.Info().Msg("cron: sweep")
	advanced, err := cr.svc.Sweep(ctx, time.Now())
	if err != nil {
		cr.log.Error().Err(err).Ints64("advanced", advanced).Msg("cron: sweep failed")
		return
	}
	cr.log.Info().Ints64("advanced", advanced).Msg("cron: sweep done")
}
