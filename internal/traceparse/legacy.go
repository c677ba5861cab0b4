package traceparse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LegacyStats is the output of the companion mm-throughput-graph scorer,
// a fixed-label text format kept for older competitions:
//
//	Average capacity: 5.04 Mbits/s
//	Average throughput: 3.41 Mbits/s (67.7% utilization)
//	95th percentile per-packet queueing delay: 52 ms
//	95th percentile signal delay: 116 ms
type LegacyStats struct {
	CapacityMbps    float64
	ThroughputMbps  float64
	QueueingDelayMs float64
	SignalDelayMs   float64
}

// ParseScoreFile reads the legacy score-file format. Values sit at fixed
// token offsets after their labels. Missing labels leave zero values.
func ParseScoreFile(r io.Reader) (*LegacyStats, error) {
	stats := &LegacyStats{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)

		var err error
		switch {
		case strings.HasPrefix(line, "Average throughput"):
			stats.ThroughputMbps, err = tokenFloat(fields, 2)
		case strings.HasPrefix(line, "Average capacity"):
			stats.CapacityMbps, err = tokenFloat(fields, 2)
		case strings.HasPrefix(line, "95th percentile per-packet queueing delay"):
			stats.QueueingDelayMs, err = tokenFloat(fields, 5)
		case strings.HasPrefix(line, "95th percentile signal delay"):
			stats.SignalDelayMs, err = tokenFloat(fields, 4)
		}
		if err != nil {
			return nil, fmt.Errorf("parse score file line %q: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read score file: %w", err)
	}
	return stats, nil
}

func tokenFloat(fields []string, idx int) (float64, error) {
	if idx >= len(fields) {
		return 0, fmt.Errorf("expected value at token %d, got %d tokens", idx, len(fields))
	}
	return strconv.ParseFloat(fields[idx], 64)
}
