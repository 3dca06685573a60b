package service

import (
	"errors"
	"math/rand"
	"time"

	"companion-engine/internal/domain"
)

const maxVersionConflictRetries = 3

// retryOnVersionConflict re-runs fn up to maxVersionConflictRetries times
// whenever it returns domain.ErrVersionConflict, sleeping a small jittered
// backoff between attempts, per the per-pair optimistic-concurrency policy
// (read current, apply delta, write with version check, retry on conflict).
func retryOnVersionConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxVersionConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
	return err
}
