package querycache

import (
	"errors"
	"fmt"
	"time"
)

// NetworkMode decides what a query does while connectivity is down.
type NetworkMode string

const (
	// Online pauses fetching while offline; cached data is still served.
	Online NetworkMode = "online"
	// OfflineFirst serves cached data unconditionally while offline and only
	// tries a single fetch when nothing is cached.
	OfflineFirst NetworkMode = "offlineFirst"
	// Always fetches regardless of connectivity.
	Always NetworkMode = "always"
)

// ParseNetworkMode validates a configured mode.
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch NetworkMode(s) {
	case Online, OfflineFirst, Always:
		return NetworkMode(s), nil
	}
	return "", fmt.Errorf("unknown network mode %q", s)
}

// ErrOffline is returned by Fetch when nothing is cached and the network mode
// forbids fetching while offline.
var ErrOffline = errors.New("querycache: offline")

// Options tune a single query. Zero values fall back to the cache defaults.
type Options struct {
	StaleTime time.Duration
	// Retry is the number of retries after the first failed attempt.
	// Negative disables retries.
	Retry       int
	RetryDelay  func(attempt int) time.Duration
	NetworkMode NetworkMode
}

// DefaultOptions mirror the usual async-query defaults: data is stale
// immediately, three retries with exponential backoff capped at 30s.
func DefaultOptions() Options {
	return Options{
		StaleTime:   0,
		Retry:       3,
		RetryDelay:  ExponentialBackoff(time.Second, 30*time.Second),
		NetworkMode: Online,
	}
}

// ExponentialBackoff returns min(base * 2^attempt, limit).
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
		if d > limit {
			return limit
		}
		return d
	}
}

func (o Options) withDefaults(d Options) Options {
	if o.StaleTime == 0 {
		o.StaleTime = d.StaleTime
	}
	if o.Retry == 0 {
		o.Retry = d.Retry
	}
	if o.Retry < 0 {
		o.Retry = 0
	}
	if o.RetryDelay == nil {
		o.RetryDelay = d.RetryDelay
	}
	if o.NetworkMode == "" {
		o.NetworkMode = d.NetworkMode
	}
	return o
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying (for example "not found").
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
