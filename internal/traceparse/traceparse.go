// Package traceparse turns the emulator's per-packet tunnel log into
// throughput, delay and loss statistics, per flow and aggregate.
package traceparse

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultBinWidthMs is the width of the time bins byte counts are
// aggregated into, matching the emulator's graphing tools.
const DefaultBinWidthMs = 500.0

// FlowStats holds the derived metrics of one flow. Nil means the metric is
// undefined for this flow (e.g. no departures were ever observed); an
// undefined metric is not an error.
type FlowStats struct {
	AvgIngressMbps *float64
	AvgEgressMbps  *float64
	Delay95Ms      *float64
	LossRate       *float64
}

// Result is the outcome of one parse. Aggregate metrics are nil when the
// log contained no event that defines them.
type Result struct {
	// ThroughputMbps is the aggregate average egress throughput.
	ThroughputMbps *float64
	// Delay95Ms is the 95th-percentile per-packet one-way delay over the
	// combined delay list of all flows.
	Delay95Ms *float64
	// LossRate is 1 - departed/arrived over all flows.
	LossRate *float64
	// CapacityMbps is the average link capacity from `#` capacity events.
	CapacityMbps *float64
	// DurationMs spans first to last departure.
	DurationMs float64

	Flows map[int]*FlowStats

	// MalformedLines counts lines that could not be parsed and were
	// skipped. A malformed log degrades to undefined metrics, it does not
	// abort the parse.
	MalformedLines int
}

type flowAccum struct {
	arrivalBits   map[int]int64 // bin -> bits
	departureBits map[int]int64
	firstArrival  float64
	lastArrival   float64
	hasArrival    bool
	firstDepart   float64
	lastDepart    float64
	hasDepart     bool
	delays        []float64
}

// Parser is a single-use streaming parser over a tunnel log.
type Parser struct {
	binWidthMs float64
}

func New() *Parser {
	return &Parser{binWidthMs: DefaultBinWidthMs}
}

// NewWithBinWidth overrides the default 500 ms bin width.
func NewWithBinWidth(binWidthMs float64) *Parser {
	return &Parser{binWidthMs: binWidthMs}
}

func (p *Parser) bin(ts, firstTs float64) int {
	return int((ts - firstTs) / p.binWidthMs)
}

// Parse consumes the log in one pass. Event lines look like
//
//	<timestamp> <marker> <bytes> [<delay>] [<flow-id>]
//
// where marker is `#` (link capacity sample), `+` (packet arrival) or `-`
// (packet departure, which carries the one-way delay field). Lines starting
// with `#` are full-line comments, distinct from the `#` marker token.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	res := &Result{Flows: make(map[int]*FlowStats)}

	flows := mapset.NewThreadUnsafeSet[int]()
	accums := make(map[int]*flowAccum)
	accum := func(flowID int) *flowAccum {
		a, ok := accums[flowID]
		if !ok {
			a = &flowAccum{
				arrivalBits:   make(map[int]int64),
				departureBits: make(map[int]int64),
			}
			accums[flowID] = a
		}
		flows.Add(flowID)
		return a
	}

	capacityBits := make(map[int]int64)
	var firstCapacity, lastCapacity float64
	hasCapacity := false

	var firstTs float64
	hasFirstTs := false

	var totalArrivalBits, totalDepartureBits int64
	var totalFirstDepart, totalLastDepart float64
	hasTotalDepart := false
	var totalDelays []float64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			res.MalformedLines++
			continue
		}

		ts, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			res.MalformedLines++
			continue
		}
		marker := fields[1]
		numBytes, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			res.MalformedLines++
			continue
		}
		bits := numBytes * 8

		if !hasFirstTs {
			firstTs = ts
			hasFirstTs = true
		}
		binID := p.bin(ts, firstTs)

		switch marker {
		case "#":
			capacityBits[binID] += bits
			if !hasCapacity {
				firstCapacity = ts
				lastCapacity = ts
				hasCapacity = true
			} else if ts > lastCapacity {
				lastCapacity = ts
			}

		case "+":
			flowID := 0
			if len(fields) >= 4 {
				flowID, err = strconv.Atoi(fields[len(fields)-1])
				if err != nil {
					res.MalformedLines++
					continue
				}
			}
			a := accum(flowID)
			if !a.hasArrival {
				a.firstArrival = ts
				a.lastArrival = ts
				a.hasArrival = true
			} else if ts > a.lastArrival {
				a.lastArrival = ts
			}
			a.arrivalBits[binID] += bits
			totalArrivalBits += bits

		case "-":
			if len(fields) < 4 {
				res.MalformedLines++
				continue
			}
			delay, err := strconv.ParseFloat(fields[3], 64)
			if err != nil {
				res.MalformedLines++
				continue
			}
			flowID := 0
			if len(fields) >= 5 {
				flowID, err = strconv.Atoi(fields[4])
				if err != nil {
					res.MalformedLines++
					continue
				}
			}
			a := accum(flowID)
			if !a.hasDepart {
				a.firstDepart = ts
				a.lastDepart = ts
				a.hasDepart = true
			} else if ts > a.lastDepart {
				a.lastDepart = ts
			}
			a.departureBits[binID] += bits
			totalDepartureBits += bits

			if !hasTotalDepart {
				totalFirstDepart = ts
				totalLastDepart = ts
				hasTotalDepart = true
			} else if ts > totalLastDepart {
				totalLastDepart = ts
			}

			a.delays = append(a.delays, delay)
			totalDelays = append(totalDelays, delay)

		default:
			res.MalformedLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tunnel log: %w", err)
	}

	// Average link capacity over the capacity-event span. Zero span with
	// events present degrades to 0, not undefined.
	if hasCapacity {
		var sum int64
		for _, b := range capacityBits {
			sum += b
		}
		res.CapacityMbps = ptr(throughputMbps(sum, firstCapacity, lastCapacity))
	}

	for _, flowID := range sortedFlowIDs(flows) {
		a := accums[flowID]
		fs := &FlowStats{}

		if a.hasArrival {
			var sum int64
			for _, b := range a.arrivalBits {
				sum += b
			}
			fs.AvgIngressMbps = ptr(throughputMbps(sum, a.firstArrival, a.lastArrival))
		}
		if a.hasDepart {
			var sum int64
			for _, b := range a.departureBits {
				sum += b
			}
			fs.AvgEgressMbps = ptr(throughputMbps(sum, a.firstDepart, a.lastDepart))
		}
		if len(a.delays) > 0 {
			fs.Delay95Ms = ptr(percentileNearest(a.delays, 95))
		}
		if a.hasArrival && a.hasDepart {
			var arr, dep int64
			for _, b := range a.arrivalBits {
				arr += b
			}
			for _, b := range a.departureBits {
				dep += b
			}
			if arr > 0 {
				fs.LossRate = ptr(1 - float64(dep)/float64(arr))
			}
		}

		res.Flows[flowID] = fs
	}

	if totalArrivalBits > 0 {
		res.LossRate = ptr(1 - float64(totalDepartureBits)/float64(totalArrivalBits))
	}
	if hasTotalDepart {
		res.DurationMs = totalLastDepart - totalFirstDepart
		res.ThroughputMbps = ptr(throughputMbps(totalDepartureBits, totalFirstDepart, totalLastDepart))
	}
	if len(totalDelays) > 0 {
		res.Delay95Ms = ptr(percentileNearest(totalDelays, 95))
	}

	return res, nil
}

// throughputMbps converts a bit total over a [first,last] millisecond span
// into Mbit/s. A zero span yields 0.
func throughputMbps(bits int64, firstMs, lastMs float64) float64 {
	if lastMs == firstMs {
		return 0
	}
	return float64(bits) / (1000.0 * (lastMs - firstMs))
}

// percentileNearest computes the p-th percentile with nearest-rank
// interpolation: the returned value is always an observed sample, never a
// linear blend of two.
func percentileNearest(samples []float64, p float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(math.Round(p / 100.0 * float64(len(sorted)-1)))
	return sorted[idx]
}

func sortedFlowIDs(flows mapset.Set[int]) []int {
	ids := flows.ToSlice()
	sort.Ints(ids)
	return ids
}

func ptr(v float64) *float64 {
	return &v
}

// Summary renders the parsed figures the way they appear in task logs and
// reports.
func (r *Result) Summary() string {
	var b strings.Builder

	flowsWord := "flows"
	if len(r.Flows) == 1 {
		flowsWord = "flow"
	}
	fmt.Fprintf(&b, "-- Total of %d %s:\n", len(r.Flows), flowsWord)

	if r.CapacityMbps != nil {
		fmt.Fprintf(&b, "Average capacity: %.2f Mbit/s\n", *r.CapacityMbps)
	}
	if r.ThroughputMbps != nil {
		fmt.Fprintf(&b, "Average throughput: %.2f Mbit/s", *r.ThroughputMbps)
		if r.CapacityMbps != nil && *r.CapacityMbps > 0 {
			fmt.Fprintf(&b, " (%.1f%% utilization)", 100.0*(*r.ThroughputMbps)/(*r.CapacityMbps))
		}
		b.WriteString("\n")
	}
	if r.Delay95Ms != nil {
		fmt.Fprintf(&b, "95th percentile per-packet one-way delay: %.3f ms\n", *r.Delay95Ms)
	}
	if r.LossRate != nil {
		fmt.Fprintf(&b, "Loss rate: %.2f%%\n", *r.LossRate*100.0)
	}

	ids := make([]int, 0, len(r.Flows))
	for id := range r.Flows {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fs := r.Flows[id]
		fmt.Fprintf(&b, "-- Flow %d:\n", id)
		if fs.AvgEgressMbps != nil {
			fmt.Fprintf(&b, "Average throughput: %.2f Mbit/s\n", *fs.AvgEgressMbps)
		}
		if fs.Delay95Ms != nil {
			fmt.Fprintf(&b, "95th percentile per-packet one-way delay: %.3f ms\n", *fs.Delay95Ms)
		}
		if fs.LossRate != nil {
			fmt.Fprintf(&b, "Loss rate: %.2f%%\n", *fs.LossRate*100.0)
		}
	}

	return b.String()
}
