// Package scorer converts parsed trace statistics into a 0-100 score.
package scorer

import (
	"log/slog"
	"math"
)

// Weights are the per-trace component weights, configured per competition.
// They must sum to 1.
type Weights struct {
	Throughput float64 `toml:"throughput"`
	Loss       float64 `toml:"loss"`
	Delay      float64 `toml:"delay"`
}

// Input carries the parser's aggregate figures plus the task's configured
// environment. Nil pointers mean the parser could not define the metric;
// the dependent component then scores 0 instead of failing.
type Input struct {
	ThroughputMbps *float64
	Delay95Ms      *float64 // measured queueing delay
	LossRate       *float64
	CapacityMbps   *float64

	InjectedLossRate float64 // loss rate the environment was configured with
	OneWayDelayMs    int     // configured propagation delay
}

// Breakdown holds the three component scores and their weighted total.
type Breakdown struct {
	Throughput float64
	Loss       float64
	Delay      float64
	Total      float64
}

// Score computes the weighted score. Every component is always computed;
// an undefined input zeroes that component only.
func Score(in Input, w Weights, log *slog.Logger) Breakdown {
	b := Breakdown{
		Throughput: throughputScore(in),
		Loss:       lossScore(in, log),
		Delay:      latencyScore(in),
	}
	b.Total = w.Throughput*b.Throughput + w.Loss*b.Loss + w.Delay*b.Delay
	return b
}

// throughputScore rewards link utilization: min(throughput/capacity, 1)*100.
func throughputScore(in Input) float64 {
	if in.ThroughputMbps == nil || in.CapacityMbps == nil || *in.CapacityMbps <= 0 {
		return 0
	}
	efficiency := *in.ThroughputMbps / *in.CapacityMbps
	if efficiency >= 1.0 {
		return 100
	}
	if efficiency < 0 {
		return 0
	}
	return 100 * efficiency
}

// lossScore judges loss beyond what the environment itself injects.
func lossScore(in Input, log *slog.Logger) float64 {
	if in.LossRate == nil {
		return 0
	}
	effective := *in.LossRate - in.InjectedLossRate
	if effective < 0 {
		// Measured loss below the injected rate should not happen; keep
		// going but leave a trail.
		log.Error("effective loss rate is negative, is this expected?",
			"measured", *in.LossRate, "injected", in.InjectedLossRate)
	}
	switch {
	case effective <= 1e-6:
		return 100
	case effective >= 1:
		return 0
	default:
		return 100 * (1.0 - effective)
	}
}

// latencyScore penalizes RTT inflation relative to the configured
// propagation delay.
func latencyScore(in Input) float64 {
	if in.Delay95Ms == nil {
		return 0
	}
	inflation := 2.0
	if in.OneWayDelayMs > 0 {
		conf := float64(in.OneWayDelayMs)
		inflation = (*in.Delay95Ms + conf) / conf
	}
	if inflation <= 10 {
		return 30 + 70*(10-inflation)/10
	}
	return 100 * 3 / inflation
}

// Round4 trims a score to 4 decimal places for storage and display.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
