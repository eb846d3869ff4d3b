// Package noshow expires called patients who never arrived at the
// consultation room.
package noshow

import (
	"context"
	"fmt"
	"time"

	"clinicq/queue-service/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type CandidateSource interface {
	ListNoShowCandidates(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error)
}

// Expirer re-checks an entry and marks it NO_SHOW when it is still due.
type Expirer interface {
	ExpireCall(ctx context.Context, entryID string) (bool, error)
}

type Config struct {
	Schedule     string
	BatchSize    int
	SweepTimeout time.Duration
}

type Result struct {
	Scanned int
	Expired int
	Failed  int
}

type Monitor struct {
	source   CandidateSource
	expirer  Expirer
	schedule string
	batch    int
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func New(source CandidateSource, expirer Expirer, cfg Config, logger zerolog.Logger) *Monitor {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	timeout := cfg.SweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		source:   source,
		expirer:  expirer,
		schedule: schedule,
		batch:    batch,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "noshow").Logger(),
	}
}

// Sweep expires every due entry of one batch. A failing entry is logged and
// skipped; it is picked up again by the next sweep.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	candidates, err := m.source.ListNoShowCandidates(ctx, m.now(), m.batch)
	if err != nil {
		return Result{}, fmt.Errorf("list no-show candidates: %w", err)
	}
	result := Result{Scanned: len(candidates)}
	for _, entry := range candidates {
		expired, err := m.expire(ctx, entry.ID)
		if err != nil {
			result.Failed++
			m.logger.Error().Err(err).Str("entry_id", entry.ID).Str("doctor_id", entry.DoctorID).Msg("no-show expiry failed")
			continue
		}
		if expired {
			result.Expired++
		}
	}
	return result, nil
}

func (m *Monitor) expire(ctx context.Context, entryID string) (expired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.expirer.ExpireCall(ctx, entryID)
}

// Run sweeps on the configured cron schedule until ctx is done. A sweep that
// is still running when the next one is due causes that run to be skipped.
func (m *Monitor) Run(ctx context.Context) error {
	log := cronLogger{logger: m.logger}
	scheduler := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	_, err := scheduler.AddFunc(m.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		result, err := m.Sweep(sweepCtx)
		if err != nil {
			m.logger.Error().Err(err).Msg("no-show sweep failed")
			return
		}
		if result.Expired > 0 || result.Failed > 0 {
			m.logger.Info().Int("scanned", result.Scanned).Int("expired", result.Expired).Int("failed", result.Failed).Msg("no-show sweep")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", m.schedule, err)
	}

	scheduler.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("no-show monitor started")
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
