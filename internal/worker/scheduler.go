package worker

import (
	"context"
	"fmt"
	"time"

	"inkslot/internal/domain"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a periodic task. Lease bounds how long one instance may hold it.
type Job struct {
	Name     string
	Schedule string
	Lease    time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs cron jobs so that each job executes on one instance at a time.
type Scheduler struct {
	cron   *cron.Cron
	guard  domain.GuardRepository
	logger *zerolog.Logger
}

func NewScheduler(guard domain.GuardRepository, logger *zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: &l}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		guard:  guard,
		logger: &l,
	}
}

// cronLogger routes cron's key/value logging into zerolog.
type cronLogger struct {
	logger *zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Add registers job. The schedule accepts standard five-field specs and descriptors like "@every 1m".
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Lease <= 0 {
		job.Lease = time.Minute
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunOnce(ctx, job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.logger.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("job scheduled")
	return nil
}

// RunOnce executes job if its lease can be taken. It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) bool {
	log := s.logger.With().Str("job", job.Name).Logger()

	token, ok, err := s.guard.AcquireLease(ctx, "job:"+job.Name, job.Lease)
	if err != nil {
		log.Error().Err(err).Msg("lease acquire failed")
		return false
	}
	if !ok {
		log.Debug().Msg("lease held by another instance, skipping")
		return false
	}
	defer func() {
		// отдельный контекст: при остановке lease всё равно должен освободиться
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.guard.ReleaseLease(releaseCtx, "job:"+job.Name, token); err != nil {
			log.Warn().Err(err).Msg("lease release failed")
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, job.Lease)
	defer cancel()

	started := time.Now()
	if err := job.Run(runCtx); err != nil {
		log.Error().Err(err).Dur("took", time.Since(started)).Msg("job failed")
		return true
	}
	log.Debug().Dur("took", time.Since(started)).Msg("job finished")
	return true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
