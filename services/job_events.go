package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubnub "github.com/pubnub/go/v7"

	"voucher-system/models"
)

// JobEventSink receives job lifecycle transitions. Implementations must not block.
type JobEventSink interface {
	OnJobEvent(ctx context.Context, event models.JobEvent)
}

type NopJobEvents struct{}

func (NopJobEvents) OnJobEvent(context.Context, models.JobEvent) {}

// MultiJobEvents fans an event out to every sink in order.
type MultiJobEvents []JobEventSink

func (m MultiJobEvents) OnJobEvent(ctx context.Context, event models.JobEvent) {
	for _, sink := range m {
		sink.OnJobEvent(ctx, event)
	}
}

// LogJobEvents writes each transition to a structured logger.
type LogJobEvents struct {
	Logger *slog.Logger
}

func (l LogJobEvents) OnJobEvent(ctx context.Context, event models.JobEvent) {
	attrs := []any{
		"queue", event.Queue,
		"job_id", event.JobID,
		"state", string(event.Type),
	}
	if event.Kind != "" {
		attrs = append(attrs, "kind", string(event.Kind))
	}
	if event.Attempt > 0 {
		attrs = append(attrs, "attempt", event.Attempt)
	}

	switch event.Type {
	case models.JobEventFailed, models.JobEventStalled:
		l.Logger.WarnContext(ctx, "job transition", append(attrs, "error", event.Error)...)
	case models.JobEventDelayed:
		l.Logger.InfoContext(ctx, "job transition", append(attrs, "error", event.Error)...)
	default:
		l.Logger.DebugContext(ctx, "job transition", attrs...)
	}
}

// Publisher sends a message to a realtime channel.
type Publisher interface {
	Publish(channel string, message interface{}) error
}

type pubnubPublisher struct {
	pn *pubnub.PubNub
}

// NewPubNubPublisher adapts a PubNub client to Publisher.
func NewPubNubPublisher(pn *pubnub.PubNub) Publisher {
	return pubnubPublisher{pn: pn}
}

func (p pubnubPublisher) Publish(channel string, message interface{}) error {
	_, _, err := p.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()
	return err
}

// PubNubJobEvents relays transitions to the "jobs-<queue>" channel from a
// single background goroutine. Events are dropped when the buffer is full.
type PubNubJobEvents struct {
	publisher Publisher
	logger    *slog.Logger
	buffer    chan models.JobEvent
	stopChan  chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

func NewPubNubJobEvents(publisher Publisher, logger *slog.Logger, size int) *PubNubJobEvents {
	if size <= 0 {
		size = 256
	}
	return &PubNubJobEvents{
		publisher: publisher,
		logger:    logger.With("component", "job_events"),
		buffer:    make(chan models.JobEvent, size),
		stopChan:  make(chan struct{}),
	}
}

func (p *PubNubJobEvents) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *PubNubJobEvents) OnJobEvent(_ context.Context, event models.JobEvent) {
	select {
	case p.buffer <- event:
	default:
		p.logger.Warn("job event dropped", "job_id", event.JobID, "state", string(event.Type))
	}
}

func (p *PubNubJobEvents) run() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.buffer:
			p.publish(event)
		case <-p.stopChan:
			// Flush what is already buffered.
			for {
				select {
				case event := <-p.buffer:
					p.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (p *PubNubJobEvents) publish(event models.JobEvent) {
	channel := fmt.Sprintf("jobs-%s", event.Queue)
	if err := p.publisher.Publish(channel, event); err != nil {
		p.logger.Error("publish job event", "channel", channel, "job_id", event.JobID, "error", err)
	}
}

// Close stops the relay after flushing buffered events.
func (p *PubNubJobEvents) Close() {
	p.once.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
	})
}
