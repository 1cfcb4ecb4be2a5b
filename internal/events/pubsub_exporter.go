package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubExporter drains alert events from the bus and publishes them to a
// Google Cloud Pub/Sub topic for durable delivery to downstream consumers
// (SOS dispatch, analytics ingestion). Live tracking never depends on it:
// publish failures are logged and the stream continues.
type PubSubExporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	bus    *Bus
	ch     chan Event
	done   chan struct{}
	logger *log.Logger
}

// NewPubSubExporter connects to the topic, creating it if missing, and
// starts draining alert events from the bus.
func NewPubSubExporter(bus *Bus, projectID, topicID string) (*PubSubExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	// Per-tourist ordering downstream mirrors the engine's guarantee.
	topic.EnableMessageOrdering = true

	ex := &PubSubExporter{
		client: client,
		topic:  topic,
		bus:    bus,
		ch:     bus.Subscribe(TypeAlert),
		done:   make(chan struct{}),
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	ex.logger.Printf("alert export connected: projects/%s/topics/%s", projectID, topicID)
	go ex.drain()
	return ex, nil
}

func (ex *PubSubExporter) drain() {
	for {
		select {
		case e, ok := <-ex.ch:
			if !ok {
				return
			}
			ex.publish(e)
		case <-ex.done:
			return
		}
	}
}

func (ex *PubSubExporter) publish(e Event) {
	payload, err := e.JSON()
	if err != nil {
		ex.logger.Printf("marshal alert event: %v", err)
		return
	}

	result := ex.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":       string(e.Type),
			"tourist_id": e.TouristID,
			"time":       e.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: e.TouristID,
	})

	// Resolve off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			ex.logger.Printf("alert publish failed for %s: %v", e.TouristID, err)
		}
	}()
}

// Close stops draining and shuts down the Pub/Sub client.
func (ex *PubSubExporter) Close() error {
	close(ex.done)
	ex.bus.Unsubscribe(ex.ch)
	ex.topic.Stop()
	if err := ex.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
