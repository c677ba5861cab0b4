package scorer_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/transhub/cceval/internal/scorer"
)

var testLog = slog.New(slog.DiscardHandler)

func f(v float64) *float64 { return &v }

var evenWeights = scorer.Weights{Throughput: 1.0 / 3, Loss: 1.0 / 3, Delay: 1.0 / 3}

func TestThroughputEqualsCapacityScoresExactly100(t *testing.T) {
	b := scorer.Score(scorer.Input{
		ThroughputMbps: f(5.0),
		CapacityMbps:   f(5.0),
	}, evenWeights, testLog)
	assert.Equal(t, 100.0, b.Throughput)
}

func TestThroughputPartialUtilization(t *testing.T) {
	b := scorer.Score(scorer.Input{
		ThroughputMbps: f(2.5),
		CapacityMbps:   f(5.0),
	}, evenWeights, testLog)
	assert.InDelta(t, 50.0, b.Throughput, 1e-9)
}

func TestThroughputOverCapacityCapped(t *testing.T) {
	b := scorer.Score(scorer.Input{
		ThroughputMbps: f(6.0),
		CapacityMbps:   f(5.0),
	}, evenWeights, testLog)
	assert.Equal(t, 100.0, b.Throughput)
}

func TestZeroEffectiveLossScoresExactly100(t *testing.T) {
	b := scorer.Score(scorer.Input{
		LossRate:         f(0.05),
		InjectedLossRate: 0.05,
	}, evenWeights, testLog)
	assert.Equal(t, 100.0, b.Loss)
}

func TestLossScoreIntermediate(t *testing.T) {
	b := scorer.Score(scorer.Input{
		LossRate: f(0.1),
	}, evenWeights, testLog)
	assert.InDelta(t, 90.0, b.Loss, 1e-9)
}

func TestTotalLossScoresZero(t *testing.T) {
	b := scorer.Score(scorer.Input{
		LossRate: f(1.0),
	}, evenWeights, testLog)
	assert.Equal(t, 0.0, b.Loss)
}

func TestNegativeEffectiveLossStillScores(t *testing.T) {
	// Measured below injected is logged as unexpected but not fatal.
	b := scorer.Score(scorer.Input{
		LossRate:         f(0.01),
		InjectedLossRate: 0.05,
	}, evenWeights, testLog)
	assert.Equal(t, 100.0, b.Loss)
}

func TestInflationTenScoresExactly30(t *testing.T) {
	// (delay95 + conf) / conf == 10 when delay95 = 9*conf.
	b := scorer.Score(scorer.Input{
		Delay95Ms:     f(90.0),
		OneWayDelayMs: 10,
	}, evenWeights, testLog)
	assert.Equal(t, 30.0, b.Delay)
}

func TestInflationAboveTen(t *testing.T) {
	// inflation = (290+10)/10 = 30 -> 300/30 = 10
	b := scorer.Score(scorer.Input{
		Delay95Ms:     f(290.0),
		OneWayDelayMs: 10,
	}, evenWeights, testLog)
	assert.InDelta(t, 10.0, b.Delay, 1e-9)
}

func TestInflationOneScoresMax(t *testing.T) {
	// No queueing at all: inflation = (0+10)/10 = 1 -> 30 + 70*9/10 = 93
	b := scorer.Score(scorer.Input{
		Delay95Ms:     f(0.0),
		OneWayDelayMs: 10,
	}, evenWeights, testLog)
	assert.InDelta(t, 93.0, b.Delay, 1e-9)
}

func TestZeroConfiguredDelayFallsBackToInflationTwo(t *testing.T) {
	// fallback inflation 2.0 -> 30 + 70*8/10 = 86
	b := scorer.Score(scorer.Input{
		Delay95Ms:     f(50.0),
		OneWayDelayMs: 0,
	}, evenWeights, testLog)
	assert.InDelta(t, 86.0, b.Delay, 1e-9)
}

func TestUndefinedInputsZeroComponentsNotPanic(t *testing.T) {
	b := scorer.Score(scorer.Input{}, evenWeights, testLog)
	assert.Equal(t, 0.0, b.Throughput)
	assert.Equal(t, 0.0, b.Loss)
	assert.Equal(t, 0.0, b.Delay)
	assert.Equal(t, 0.0, b.Total)
}

func TestWeightedTotal(t *testing.T) {
	w := scorer.Weights{Throughput: 0.5, Loss: 0.3, Delay: 0.2}
	b := scorer.Score(scorer.Input{
		ThroughputMbps: f(5.0),
		CapacityMbps:   f(5.0),
		LossRate:       f(0.0),
		Delay95Ms:      f(90.0),
		OneWayDelayMs:  10,
	}, w, testLog)
	// 0.5*100 + 0.3*100 + 0.2*30 = 86
	assert.InDelta(t, 86.0, b.Total, 1e-9)
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 86.1235, scorer.Round4(86.12345678))
}
