// Command tracestat prints throughput, delay and loss statistics for a
// mahimahi tunnel log, the same numbers the evaluator scores from.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/transhub/cceval/internal/scorer"
	"github.com/transhub/cceval/internal/traceparse"
)

func main() {
	cmd := &cli.Command{
		Name:      "tracestat",
		Usage:     "inspect a tunnel log the way the evaluator does",
		ArgsUsage: "<tunnel.log>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "legacy",
				Usage: "input is a pre-rendered score file, not a tunnel log",
			},
			&cli.IntFlag{
				Name:  "delay",
				Usage: "configured one-way propagation delay in ms, enables score output",
			},
			&cli.FloatFlag{
				Name:  "loss",
				Usage: "injected loss rate used for the run",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one log file argument")
	}
	f, err := os.Open(cmd.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	if cmd.Bool("legacy") {
		stats, err := traceparse.ParseScoreFile(f)
		if err != nil {
			return err
		}
		color.Cyan("legacy score file")
		fmt.Printf("Average throughput:  %.2f Mbit/s\n", stats.ThroughputMbps)
		fmt.Printf("Average capacity:    %.2f Mbit/s\n", stats.CapacityMbps)
		fmt.Printf("95th pct queueing:   %.3f ms\n", stats.QueueingDelayMs)
		fmt.Printf("95th pct signal:     %.3f ms\n", stats.SignalDelayMs)
		return nil
	}

	result, err := traceparse.New().Parse(f)
	if err != nil {
		return err
	}
	fmt.Print(result.Summary())
	if result.MalformedLines > 0 {
		color.Yellow("skipped %d malformed lines", result.MalformedLines)
	}

	delay := int(cmd.Int("delay"))
	if delay <= 0 {
		return nil
	}

	// Even weights make the component scores directly comparable.
	weights := scorer.Weights{Throughput: 1.0 / 3, Loss: 1.0 / 3, Delay: 1.0 / 3}
	b := scorer.Score(scorer.Input{
		ThroughputMbps:   result.ThroughputMbps,
		Delay95Ms:        result.Delay95Ms,
		LossRate:         result.LossRate,
		CapacityMbps:     result.CapacityMbps,
		InjectedLossRate: cmd.Float("loss"),
		OneWayDelayMs:    delay,
	}, weights, slog.New(slog.DiscardHandler))

	color.Cyan("scores (even weights)")
	fmt.Printf("throughput: %.4f\n", scorer.Round4(b.Throughput))
	fmt.Printf("loss:       %.4f\n", scorer.Round4(b.Loss))
	fmt.Printf("delay:      %.4f\n", scorer.Round4(b.Delay))
	fmt.Printf("total:      %.4f\n", scorer.Round4(b.Total))
	return nil
}
