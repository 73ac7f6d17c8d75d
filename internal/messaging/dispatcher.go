package messaging

import (
	"context"
	"log/slog"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// Processor runs the pipeline for one inbound message. Satisfied by
// flow.Pipeline.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error)
}

// Dispatcher consumes a service's incoming messages and feeds them to the
// pipeline. Only supported channels pass; everything else is dropped with
// a log line.
type Dispatcher struct {
	service   Service
	processor Processor
}

// NewDispatcher wires a channel service to a message processor.
func NewDispatcher(service Service, processor Processor) *Dispatcher {
	return &Dispatcher{service: service, processor: processor}
}

// Run consumes messages until the context is cancelled or the service's
// channel closes. Each message is processed on its own goroutine; per-sender
// ordering is the pipeline's job.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: consuming inbound messages")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: context cancelled, stopping")
			return
		case msg, ok := <-d.service.Messages():
			if !ok {
				slog.Info("Dispatcher.Run: message channel closed, stopping")
				return
			}
			if !d.accept(msg) {
				continue
			}
			go d.dispatch(ctx, msg)
		}
	}
}

// accept applies channel filtering before any pipeline work.
func (d *Dispatcher) accept(msg models.InboundMessage) bool {
	if msg.Channel != "" && !models.IsSupportedChannel(msg.Channel) {
		slog.Info("Dispatcher.accept: dropping message from unsupported channel", "channel", msg.Channel, "messageID", msg.MessageID)
		return false
	}
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, msg models.InboundMessage) {
	result, err := d.processor.Process(ctx, msg)
	if err != nil {
		slog.Error("Dispatcher.dispatch: pipeline rejected message", "error", err, "messageID", msg.MessageID, "from", msg.From)
		return
	}
	slog.Debug("Dispatcher.dispatch: message handled", "messageID", msg.MessageID, "reason", result.Reason)
}
