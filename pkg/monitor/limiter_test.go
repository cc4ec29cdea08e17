package monitor

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterStore_Basic(t *testing.T) {
	store := NewRateLimiterStore(1, 2)

	limiter := store.GetLimiter("device1")
	if limiter == nil {
		t.Fatal("expected limiter, got nil")
	}
	if limiter.Limit() != 1 {
		t.Errorf("expected limit 1, got %v", limiter.Limit())
	}
	assert.Equal(t, LimiterConfig{Rate: 1, Burst: 2}, store.Config("device1"))
}

func TestRateLimiterStore_CustomLimit(t *testing.T) {
	store := NewRateLimiterStore(1, 2)

	store.SetLimiter("device2", 5, 10)
	limiter := store.GetLimiter("device2")

	if limiter.Limit() != 5 {
		t.Errorf("expected limit 5, got %v", limiter.Limit())
	}
	if limiter.Burst() != 10 {
		t.Errorf("expected burst 10, got %v", limiter.Burst())
	}

	store.Reset("device2")
	assert.Equal(t, rate.Limit(1), store.GetLimiter("device2").Limit())
	assert.Equal(t, LimiterConfig{Rate: 1, Burst: 2}, store.Config("device2"))
}

func TestRateLimiterStore_DevicesDoNotShareBuckets(t *testing.T) {
	store := NewRateLimiterStore(rate.Every(1<<62), 1)

	assert.True(t, store.GetLimiter("a").Allow())
	assert.False(t, store.GetLimiter("a").Allow())
	assert.True(t, store.GetLimiter("b").Allow())
}

func TestCheckDeviceLimiter(t *testing.T) {
	m := &Monitor{}
	assert.True(t, m.CheckDeviceLimiter("any"))

	m.Limiters = NewRateLimiterStore(rate.Every(1<<62), 2)
	assert.True(t, m.CheckDeviceLimiter("d1"))
	assert.True(t, m.CheckDeviceLimiter("d1"))
	assert.False(t, m.CheckDeviceLimiter("d1"))
}

func TestRateLimiterStore_Concurrency(t *testing.T) {
	store := NewRateLimiterStore(10, 5)
	deviceID := uuid.NewString()

	var wg sync.WaitGroup

	// Launch 100 goroutines that access GetLimiter concurrently
	for rangeIdx := 0; rangeIdx < 100; rangeIdx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter := store.GetLimiter(deviceID)
			if limiter == nil {
				t.Error("expected limiter, got nil")
			}
		}()
	}

	wg.Wait()

	limiter := store.GetLimiter(deviceID)
	if limiter == nil {
		t.Error("expected limiter to exist after concurrent access")
	}
}
