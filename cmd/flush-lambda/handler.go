package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/collector"
)

type flusher interface {
	FlushAll(ctx context.Context) (collector.Summary, error)
}

// Response reports one flush cycle.
type Response struct {
	Queues   int      `json:"queues"`
	Inserted int64    `json:"inserted"`
	Trimmed  int64    `json:"trimmed"`
	Failed   []string `json:"failed,omitempty"`
}

type handler struct {
	f   flusher
	log *zap.Logger
}

func newHandler(f flusher, log *zap.Logger) *handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &handler{f: f, log: log}
}

// Handle flushes every queue. Failed queues are reported, not returned as an error:
// they keep their messages and the next scheduled invocation retries them.
func (h *handler) Handle(ctx context.Context, ev events.CloudWatchEvent) (Response, error) {
	sum, err := h.f.FlushAll(ctx)
	if err != nil {
		h.log.Error("flush failed", zap.String("event", ev.ID), zap.Error(err))
		return Response{}, fmt.Errorf("flush: %w", err)
	}
	resp := Response{Queues: sum.Queues, Inserted: sum.Inserted, Trimmed: sum.Trimmed}
	for k, e := range sum.Failed {
		resp.Failed = append(resp.Failed, k)
		h.log.Warn("queue flush failed", zap.String("queue", k), zap.Error(e))
	}
	sort.Strings(resp.Failed)
	h.log.Info("flush done",
		zap.String("event", ev.ID),
		zap.Int("queues", resp.Queues),
		zap.Int64("inserted", resp.Inserted),
		zap.Int("failed", len(resp.Failed)))
	return resp, nil
}
