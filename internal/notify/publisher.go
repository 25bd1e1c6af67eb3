// Package notify publishes workflow lifecycle events for external consumers
// (notification delivery lives elsewhere). Publishing is fire-and-forget: a
// failed publish is logged and never rolls back the transition that caused
// it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	ActorID    string    `json:"actorId"`
	Status     string    `json:"status,omitempty"`
	Stage      int       `json:"stage,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(redisURL, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Publisher{client: client, channel: channel}, nil
}

func NewPublisherWithClient(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("notify: marshal event %s for %s: %v", event.Type, event.DocumentID, err)
			return
		}
		if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
			log.Printf("notify: publish %s for %s: %v", event.Type, event.DocumentID, err)
		}
	}()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
