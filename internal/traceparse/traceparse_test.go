package traceparse_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transhub/cceval/internal/traceparse"
)

func parse(t *testing.T, log string) *traceparse.Result {
	t.Helper()
	res, err := traceparse.New().Parse(strings.NewReader(log))
	require.NoError(t, err)
	return res
}

func TestLossRateSingleFlow(t *testing.T) {
	// 1,000,000 bytes arrive, 900,000 depart.
	var b strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "%d + 100000\n", i*10)
	}
	for i := 0; i < 9; i++ {
		fmt.Fprintf(&b, "%d - 100000 5.0\n", i*10+5)
	}

	res := parse(t, b.String())
	require.NotNil(t, res.LossRate)
	assert.InDelta(t, 0.1, *res.LossRate, 1e-9)

	require.Contains(t, res.Flows, 0)
	require.NotNil(t, res.Flows[0].LossRate)
	assert.InDelta(t, 0.1, *res.Flows[0].LossRate, 1e-9)
}

func TestPercentileNearestRank(t *testing.T) {
	// Delay samples 10..100 ms. Nearest rank must return an observed
	// sample, not a linear interpolation like 95.5.
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "%d - 1000 %d\n", i*100, i*10)
	}

	res := parse(t, b.String())
	require.NotNil(t, res.Delay95Ms)
	assert.Equal(t, 100.0, *res.Delay95Ms)
}

func TestThroughputAndCapacity(t *testing.T) {
	// 1250 bytes = 10000 bits per event, events 1 ms apart over 4 ms.
	log := `0 # 1250
1 # 1250
2 # 1250
3 # 1250
4 # 1250
0 + 1250
0 - 1250 2.0
4 + 1250
4 - 1250 2.0
`
	res := parse(t, log)
	require.NotNil(t, res.CapacityMbps)
	// 50000 bits over 4 ms span = 12.5 Mbit/s
	assert.InDelta(t, 12.5, *res.CapacityMbps, 1e-9)

	require.NotNil(t, res.ThroughputMbps)
	// 20000 bits over 4 ms = 5 Mbit/s
	assert.InDelta(t, 5.0, *res.ThroughputMbps, 1e-9)
	assert.InDelta(t, 4.0, res.DurationMs, 1e-9)
}

func TestMultipleFlows(t *testing.T) {
	log := `0 + 1000 1
1 - 1000 3.5 1
0 + 2000 2
2 - 1000 7.5 2
`
	res := parse(t, log)
	require.Len(t, res.Flows, 2)

	f1 := res.Flows[1]
	require.NotNil(t, f1.LossRate)
	assert.InDelta(t, 0.0, *f1.LossRate, 1e-9)

	f2 := res.Flows[2]
	require.NotNil(t, f2.LossRate)
	assert.InDelta(t, 0.5, *f2.LossRate, 1e-9)
}

func TestFlowWithoutDeparturesIsUndefinedNotFatal(t *testing.T) {
	log := `0 + 1000 1
5 + 1000 1
0 + 1000 2
1 - 1000 2.0 2
`
	res := parse(t, log)
	require.Contains(t, res.Flows, 1)

	f1 := res.Flows[1]
	assert.Nil(t, f1.AvgEgressMbps)
	assert.Nil(t, f1.Delay95Ms)
	assert.Nil(t, f1.LossRate)
	assert.NotNil(t, f1.AvgIngressMbps)

	// The parse as a whole still produced aggregate numbers.
	assert.NotNil(t, res.ThroughputMbps)
	assert.NotNil(t, res.LossRate)
}

func TestEmptyLogAllUndefined(t *testing.T) {
	res := parse(t, "")
	assert.Nil(t, res.ThroughputMbps)
	assert.Nil(t, res.Delay95Ms)
	assert.Nil(t, res.LossRate)
	assert.Nil(t, res.CapacityMbps)
	assert.Empty(t, res.Flows)
}

func TestCommentLinesSkipped(t *testing.T) {
	log := `# mahimahi mm-link log
# base timestamp: 1700000000
0 + 1000
1 - 1000 2.0
`
	res := parse(t, log)
	require.NotNil(t, res.LossRate)
	assert.InDelta(t, 0.0, *res.LossRate, 1e-9)
	assert.Equal(t, 0, res.MalformedLines)
}

func TestMalformedLinesCountedNotFatal(t *testing.T) {
	log := `0 + 1000
garbage line here
1 - notanumber 2.0
1 - 1000 2.0
`
	res := parse(t, log)
	assert.Equal(t, 2, res.MalformedLines)
	require.NotNil(t, res.LossRate)
	assert.InDelta(t, 0.0, *res.LossRate, 1e-9)
}

func TestZeroSpanYieldsZeroThroughput(t *testing.T) {
	log := `0 + 1000
0 - 1000 1.0
`
	res := parse(t, log)
	require.NotNil(t, res.ThroughputMbps)
	assert.Equal(t, 0.0, *res.ThroughputMbps)
	assert.Equal(t, 0.0, res.DurationMs)
}

func TestSummaryContainsFigures(t *testing.T) {
	log := `0 # 1250
4 # 1250
0 + 1250
4 - 1000 12.0
`
	res := parse(t, log)
	s := res.Summary()
	assert.Contains(t, s, "-- Total of 1 flow:")
	assert.Contains(t, s, "Average capacity:")
	assert.Contains(t, s, "Average throughput:")
	assert.Contains(t, s, "95th percentile per-packet one-way delay: 12.000 ms")
	assert.Contains(t, s, "Loss rate: 20.00%")
	assert.Contains(t, s, "-- Flow 0:")
}

func TestParseScoreFileLegacy(t *testing.T) {
	in := `Average capacity: 5.04 Mbits/s
Average throughput: 3.41 Mbits/s (67.7% utilization)
95th percentile per-packet queueing delay: 52 ms
95th percentile signal delay: 116 ms
`
	stats, err := traceparse.ParseScoreFile(strings.NewReader(in))
	require.NoError(t, err)
	assert.InDelta(t, 5.04, stats.CapacityMbps, 1e-9)
	assert.InDelta(t, 3.41, stats.ThroughputMbps, 1e-9)
	assert.InDelta(t, 52.0, stats.QueueingDelayMs, 1e-9)
	assert.InDelta(t, 116.0, stats.SignalDelayMs, 1e-9)
}
