// Command tasklifecycled wires a Core with in-memory collaborators and runs
// its ingestion/verification loop against a local BotStateClient endpoint.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/goadesign/tasklifecycle-core/task/botstate"
	"github.com/goadesign/tasklifecycle-core/task/config"
	"github.com/goadesign/tasklifecycle-core/task/core"
	"github.com/goadesign/tasklifecycle-core/task/telemetry"
	"github.com/goadesign/tasklifecycle-core/task/thought"
)

func main() {
	botURL := flag.String("bot-url", "http://localhost:8090", "base URL of the bot state HTTP service")
	thoughtURL := flag.String("thought-url", "http://localhost:8091", "base URL of the cognitive thought stream")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = log.Context(ctx, log.WithFormat(log.FormatJSON))
	logger := telemetry.NewClueLogger()

	bot := botstate.New(*botURL, botstate.DefaultTimeout, 5)
	stream := thought.New(*thoughtURL, 5*time.Second, 2)
	converter := thought.Converter{}

	c := core.New(config.Default(), core.Deps{
		Logger: logger,
		Bot:    bot,
	})
	defer c.Close()

	go pollThoughts(ctx, c, stream, converter, logger)
	go stream.DrainAcks(ctx, time.Second)

	log.Print(ctx, log.KV{K: "msg", V: "tasklifecycled started"})
	<-ctx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "tasklifecycled shutting down"})
}

func pollThoughts(ctx context.Context, c *core.Core, stream *thought.Stream, converter thought.Converter, logger telemetry.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			thoughts := stream.GetActionable(ctx)
			if len(thoughts) == 0 {
				continue
			}
			processed := make([]string, 0, len(thoughts))
			for _, th := range thoughts {
				intent, ok := converter.Convert(th)
				if !ok {
					continue
				}
				added, err := c.AddTask(ctx, intent)
				if err != nil {
					logger.Warn(ctx, "thought_convert_add_task_failed", "thoughtId", th.ID, "error", err.Error())
					continue
				}
				logger.Info(ctx, "thought_converted_to_task", "thoughtId", th.ID, "taskId", added.ID)
				processed = append(processed, th.ID)
			}
			stream.Ack(processed)
		}
	}
}
