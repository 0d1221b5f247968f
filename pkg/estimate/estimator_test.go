package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Fewer than five observed window durations isn't enough
// history for any strategy, so Estimate must return a zero estimate.
func TestEstimate_BelowMinimumSamplesReturnsZero(t *testing.T) {
	e := New()
	e.Observe(time.Second)
	e.Observe(time.Second)
	d, strategy, conf := e.Estimate(10)
	assert.Equal(t, time.Duration(0), d)
	assert.Equal(t, SimpleAverage, strategy)
	assert.Equal(t, 0.0, conf)
}

func TestEstimate_ZeroRemainingWindowsReturnsZero(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.Observe(time.Second)
	}
	d, _, _ := e.Estimate(0)
	assert.Equal(t, time.Duration(0), d)
}

func TestEstimate_StableDurationsYieldsHighConfidenceSimpleAverage(t *testing.T) {
	e := New()
	for i := 0; i < 10; i++ {
		e.Observe(2 * time.Second)
	}
	d, _, conf := e.Estimate(5)
	assert.Equal(t, 10*time.Second, d)
	assert.Greater(t, conf, 0.9)
}

func TestEstimate_AcceleratingTrendProjectsMoreThanFlatAverage(t *testing.T) {
	e := New()
	for i := 1; i <= 8; i++ {
		e.Observe(time.Duration(i) * time.Second)
	}
	d, _, _ := e.Estimate(1)
	avg := simpleAverage(e.samples)
	assert.Greater(t, d, avg)
}

func TestEstimate_ConfidenceNeverExceedsOne(t *testing.T) {
	e := New()
	for i := 0; i < 20; i++ {
		e.Observe(time.Second)
	}
	_, _, conf := e.Estimate(3)
	assert.LessOrEqual(t, conf, 1.0)
}

func TestSimpleAverage_IsArithmeticMean(t *testing.T) {
	samples := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
	assert.Equal(t, 2*time.Second, simpleAverage(samples))
}

func TestWeightedAverage_FavorsLaterSamples(t *testing.T) {
	samples := []time.Duration{1 * time.Second, 1 * time.Second, 10 * time.Second}
	weighted := weightedAverage(samples)
	plain := simpleAverage(samples)
	assert.Greater(t, weighted, plain)
}

func TestLinearRegression_ConstantSeriesMatchesSimpleAverage(t *testing.T) {
	samples := []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}
	assert.Equal(t, simpleAverage(samples), linearRegression(samples))
}

func TestRegressionConfidence_PerfectLineIsHigh(t *testing.T) {
	samples := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	assert.Greater(t, regressionConfidence(samples), 0.9)
}

func TestConfidenceFromVariance_ZeroEstimateIsZeroConfidence(t *testing.T) {
	assert.Equal(t, 0.0, confidenceFromVariance([]time.Duration{time.Second}, 0))
}
