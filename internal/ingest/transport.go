package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// ingestMessage is the wire envelope published for each book awaiting
// processing. Kept minimal: the worker re-reads book state from the
// database rather than trusting anything beyond the ID.
type ingestMessage struct {
	BookID string `json:"bookId"`
}

// Publisher hands a book off to the ingestion transport. The upload handler
// calls this after creating the book row with status "processing"; it never
// runs the pipeline inline.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher wraps an existing topic handle.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish enqueues bookID for processing. At-least-once delivery is
// expected; Pipeline.Process's TryClaim makes redelivery a no-op.
func (p *Publisher) Publish(ctx context.Context, bookID string) error {
	data, err := json.Marshal(ingestMessage{BookID: bookID})
	if err != nil {
		return fmt.Errorf("ingest.Publish: marshal: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("ingest.Publish: %w", err)
	}
	return nil
}

// Subscriber pulls ingest messages and runs them through a Pipeline.
type Subscriber struct {
	sub      *pubsub.Subscription
	pipeline *Pipeline
}

// NewSubscriber wraps a subscription handle.
func NewSubscriber(sub *pubsub.Subscription, pipeline *Pipeline) *Subscriber {
	return &Subscriber{sub: sub, pipeline: pipeline}
}

// Run blocks, processing messages until ctx is cancelled. Each message is
// acked only after Process returns nil; a processing error nacks the
// message so Pub/Sub redelivers it, subject to the subscription's own
// retry policy.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var env ingestMessage
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Error("ingest: malformed message, dropping", "error", err)
			msg.Ack()
			return
		}

		if err := s.pipeline.Process(ctx, env.BookID); err != nil {
			slog.Error("ingest: processing failed, nacking for redelivery", "book_id", env.BookID, "error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}
