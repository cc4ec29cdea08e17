package monitor

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConfig is the token bucket applied to one device.
type LimiterConfig struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// RateLimiterStore holds one token bucket per reading device: device_id -> limiter.
// Devices without an override share the default configuration but never a
// bucket.
type RateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	overrides map[string]LimiterConfig
	defaults  LimiterConfig
}

func NewRateLimiterStore(defaultRate rate.Limit, defaultBurst int) *RateLimiterStore {
	return &RateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]LimiterConfig),
		defaults:  LimiterConfig{Rate: float64(defaultRate), Burst: defaultBurst},
	}
}

func (s *RateLimiterStore) GetLimiter(deviceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[deviceID]
	if !exists {
		cfg := s.configLocked(deviceID)
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
		s.limiters[deviceID] = limiter
	}
	return limiter
}

// SetLimiter overrides the bucket of one device. The device starts over with
// a full bucket.
func (s *RateLimiterStore) SetLimiter(deviceID string, deviceRate rate.Limit, deviceBurst int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides[deviceID] = LimiterConfig{Rate: float64(deviceRate), Burst: deviceBurst}
	s.limiters[deviceID] = rate.NewLimiter(deviceRate, deviceBurst)
}

// Reset drops the device's override and bucket.
func (s *RateLimiterStore) Reset(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overrides, deviceID)
	delete(s.limiters, deviceID)
}

func (s *RateLimiterStore) Config(deviceID string) LimiterConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configLocked(deviceID)
}

func (s *RateLimiterStore) configLocked(deviceID string) LimiterConfig {
	if cfg, ok := s.overrides[deviceID]; ok {
		return cfg
	}
	return s.defaults
}
