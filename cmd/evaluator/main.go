// Command evaluator is the worker daemon: it drains the task queue and runs
// each submission through compile, emulation, scoring and rank aggregation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/lmittmann/tint"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/transhub/cceval/internal/competition"
	"github.com/transhub/cceval/internal/coordinator"
	"github.com/transhub/cceval/internal/environment"
	"github.com/transhub/cceval/internal/orchestrator"
	"github.com/transhub/cceval/internal/queue"
	"github.com/transhub/cceval/internal/rank"
	"github.com/transhub/cceval/internal/task"
)

func main() {
	cmd := &cli.Command{
		Name:  "evaluator",
		Usage: "congestion-control homework evaluation worker",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))

	env, err := environment.ReadEnvConfig()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	cfg, err := competition.Load(env.CompetitionConfig)
	if err != nil {
		return fmt.Errorf("load competition config: %w", err)
	}
	log.Info("loaded competition config",
		"path", env.CompetitionConfig, "competitions", len(cfg.Competitions))

	opts, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis")

	consumer, cleanup, err := newConsumer(ctx, env, log)
	if err != nil {
		return err
	}
	defer cleanup()

	store := task.NewRedisStore(rdb)
	coord := coordinator.New(coordinator.NewRedisKV(rdb), log)
	agg := rank.NewAggregator(store, store, coordinator.NewRedisKV(rdb), cfg, log)
	orch := orchestrator.New(store, store, coord, agg, cfg, orchestrator.NewExecRunner(), log)

	handler := func(ctx context.Context, msg queue.Message) error {
		return orch.Execute(ctx, msg.TaskID, msg.Username)
	}
	pool := queue.NewPool(consumer, handler, env.WorkerCount, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("evaluator started", "workers", env.WorkerCount, "queue", env.QueueDriver)
	return pool.Run(ctx)
}

func newConsumer(ctx context.Context, env *environment.EnvConfig, log *slog.Logger) (queue.Consumer, func(), error) {
	switch env.QueueDriver {
	case "nats":
		nc, err := nats.Connect(env.NatsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		q, err := queue.NewNatsQueue(nc, env.NatsSubject)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		log.Info("connected to nats", "subject", env.NatsSubject)
		return q, func() {
			if err := q.Close(); err != nil {
				log.Warn("failed to close nats subscription", "err", err)
			}
			nc.Close()
		}, nil

	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AwsRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		log.Info("polling sqs", "queue", env.SqsQueueURL)
		return queue.NewSqsQueue(sqs.NewFromConfig(awsCfg), env.SqsQueueURL), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", env.QueueDriver)
}
