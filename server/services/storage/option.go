package storage

import "github.com/dogmatiq/linger/backoff"

type settings struct {
	cacheItems int64
	versioned  bool
	retries    int
	backoff    backoff.Strategy
}

// Option configures a Store.
type Option interface {
	configure(s *settings)
}

type optionFunc func(s *settings)

func (f optionFunc) configure(s *settings) {
	f(s)
}

// WithCacheSize sets the maximum number of cached records.
func WithCacheSize(items int64) Option {
	return optionFunc(func(s *settings) {
		s.cacheItems = items
	})
}

// WithoutVersioning makes Set overwrite records regardless of their stored version.
func WithoutVersioning() Option {
	return optionFunc(func(s *settings) {
		s.versioned = false
	})
}

// WithConflictRetries sets how many times Update retries after a conflict.
func WithConflictRetries(n int) Option {
	return optionFunc(func(s *settings) {
		s.retries = n
	})
}

// WithConflictBackoff sets the delay strategy between conflict retries.
func WithConflictBackoff(b backoff.Strategy) Option {
	return optionFunc(func(s *settings) {
		s.backoff = b
	})
}
