// Command seed inserts one queued task into the shared store and publishes
// its evaluation request, useful for exercising an evaluator without the
// web frontend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/transhub/cceval/internal/competition"
	"github.com/transhub/cceval/internal/environment"
	"github.com/transhub/cceval/internal/queue"
	"github.com/transhub/cceval/internal/task"
)

func main() {
	cmd := &cli.Command{
		Name:  "seed",
		Usage: "enqueue one evaluation task",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Value: "testuser", Usage: "user id owning the upload"},
			&cli.StringFlag{Name: "username", Value: "Test User", Usage: "display name for the leaderboard"},
			&cli.StringFlag{Name: "competition", Required: true},
			&cli.StringFlag{Name: "algorithm", Required: true, Usage: "algorithm name, <algorithm>.cc must exist in the upload dir"},
			&cli.StringFlag{Name: "trace", Required: true},
			&cli.FloatFlag{Name: "loss", Usage: "injected loss rate"},
			&cli.IntFlag{Name: "buffer", Value: 250, Usage: "bottleneck buffer size in packets"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))

	env, err := environment.ReadEnvConfig()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	cfg, err := competition.Load(env.CompetitionConfig)
	if err != nil {
		return fmt.Errorf("load competition config: %w", err)
	}

	compName := cmd.String("competition")
	traceName := cmd.String("trace")
	comp, err := cfg.Competition(compName)
	if err != nil {
		return err
	}
	trace, err := comp.Trace(traceName)
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(env.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	userID := cmd.String("user")
	uploadID := uuid.NewString()
	uploadDir := filepath.Join(env.UserDataDir, userID, uploadID)
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		UploadID:    uploadID,
		UserID:      userID,
		Competition: compName,
		Algorithm:   cmd.String("algorithm"),
		TraceName:   traceName,
		LossRate:    cmd.Float("loss"),
		BufferSize:  int(cmd.Int("buffer")),
		Delay:       trace.DelayMs,
		Dir:         filepath.Join(uploadDir, traceName),
		Status:      task.StatusQueued,
	}
	store := task.NewRedisStore(rdb)
	if err := store.InsertTask(t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	log.Info("inserted task", "task", t.ID, "upload", uploadID, "dir", uploadDir)

	pub, cleanup, err := newPublisher(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()

	msg := queue.Message{
		TaskID:      t.ID,
		Username:    cmd.String("username"),
		Competition: compName,
	}
	if err := pub.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	log.Info("published task", "task", t.ID, "queue", env.QueueDriver)
	log.Info("place the submission source before the evaluator picks it up",
		"path", filepath.Join(uploadDir, t.Algorithm+".cc"))
	return nil
}

func newPublisher(ctx context.Context, env *environment.EnvConfig) (queue.Publisher, func(), error) {
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
		return q, func() { nc.Close() }, nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AwsRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return queue.NewSqsQueue(sqs.NewFromConfig(awsCfg), env.SqsQueueURL), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", env.QueueDriver)
}
