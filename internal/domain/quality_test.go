package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateQuality_Thresholds(t *testing.T) {
	// Both limits must hold for a tier
	assert.Equal(t, QualityExcellent, RateQuality(50*time.Millisecond, 0.5))
	assert.Equal(t, QualityGood, RateQuality(150*time.Millisecond, 0.5))
	assert.Equal(t, QualityGood, RateQuality(50*time.Millisecond, 2.0))
	assert.Equal(t, QualityFair, RateQuality(250*time.Millisecond, 2.0))
	assert.Equal(t, QualityFair, RateQuality(150*time.Millisecond, 4.0))
	assert.Equal(t, QualityPoor, RateQuality(400*time.Millisecond, 0.5))
	assert.Equal(t, QualityPoor, RateQuality(50*time.Millisecond, 10.0))
}

func TestRateQuality_BoundaryValues(t *testing.T) {
	// Thresholds are strict: exactly 100ms is not excellent
	assert.Equal(t, QualityGood, RateQuality(100*time.Millisecond, 0.5))
	assert.Equal(t, QualityFair, RateQuality(200*time.Millisecond, 0.5))
	assert.Equal(t, QualityPoor, RateQuality(300*time.Millisecond, 0.5))
	assert.Equal(t, QualityGood, RateQuality(50*time.Millisecond, 1.0))
	assert.Equal(t, QualityFair, RateQuality(50*time.Millisecond, 3.0))
	assert.Equal(t, QualityPoor, RateQuality(50*time.Millisecond, 5.0))
}

func TestRateQuality_IsPure(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, QualityGood, RateQuality(150*time.Millisecond, 2.0))
	}
}

func TestCallSession_Duration(t *testing.T) {
	s := &CallSession{}
	assert.Zero(t, s.Duration(), "never-connected session has no duration")

	connected := time.Now().Add(-90 * time.Second)
	ended := connected.Add(60 * time.Second)
	s.ConnectedAt = &connected
	s.EndedAt = &ended
	assert.Equal(t, 60*time.Second, s.Duration())
}
