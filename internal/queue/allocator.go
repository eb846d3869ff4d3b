package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const serialPad = 3

// Allocator hands out per-doctor, per-day serial numbers from the counter
// store. A number is never handed out twice, even if the check-in that
// received it is later cancelled.
type Allocator struct {
	counters store.CounterStore
	policy   RetryPolicy
	logger   zerolog.Logger
}

func NewAllocator(counters store.CounterStore, policy RetryPolicy, logger zerolog.Logger) *Allocator {
	return &Allocator{counters: counters, policy: policy.withDefaults(), logger: logger}
}

func (a *Allocator) Allocate(ctx context.Context, doctor models.Doctor, day time.Time) (string, error) {
	day = models.QueueDay(day)
	seq, err := backoff.Retry(ctx, func() (int64, error) {
		seq, err := a.counters.NextSerial(ctx, doctor.ID, day)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return 0, backoff.Permanent(err)
		}
		return seq, err
	},
		backoff.WithBackOff(a.policy.backOff()),
		backoff.WithMaxTries(uint(a.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.logger.Warn().Err(err).Str("doctor_id", doctor.ID).Dur("wait", wait).Msg("serial allocation retry")
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: doctor %s: %v", ErrAllocation, doctor.ID, err)
	}
	return FormatSerial(serialPrefix(doctor), day, seq), nil
}

// FormatSerial renders a serial such as "CARD-260302-007".
func FormatSerial(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%0*d", prefix, day.Format("060102"), serialPad, seq)
}

// serialPrefix is the doctor's code. Codes are unique and alphanumeric, so
// two doctors never render the same serial.
func serialPrefix(doctor models.Doctor) string {
	if code := strings.TrimSpace(doctor.Code); code != "" {
		return strings.ToUpper(code)
	}
	return codeFromID(doctor.ID)
}

// codeFromID keeps every letter and digit of id, upper-cased.
func codeFromID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validCode(code string) bool {
	return code != "" && codeFromID(code) == code
}
