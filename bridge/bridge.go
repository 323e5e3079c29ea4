// Package bridge pairs on-ledger workflow requests with off-ledger capability
// providers and submits the resulting fulfillments. It is an independent,
// at-least-once consumer: duplicate delivery is tolerated because a
// fulfillment attempt against an already-terminal request fails its status
// guard harmlessly.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"attestflow/outbox"
	"attestflow/workflow"
)

// MessageSource claims pending request notifications. Implemented by
// outbox.Consumer.
type MessageSource interface {
	Claim(ctx context.Context, topic string, limit int) ([]outbox.Message, error)
	MarkDone(ctx context.Context, id string) error
}

// Fulfiller submits a provider outcome as a workflow fulfillment.
type Fulfiller interface {
	Fulfill(ctx context.Context, inv Invocation, requestID string, out ProviderOutcome) error
}

// Bridge watches one request topic and drives its capability provider.
type Bridge struct {
	source    MessageSource
	provider  Provider
	fulfiller Fulfiller
	topic     string
	interval  time.Duration
	batch     int
	logf      func(format string, args ...any)
}

// Config assembles a bridge. Interval defaults to 5s, Batch to 10.
type Config struct {
	Source    MessageSource
	Provider  Provider
	Fulfiller Fulfiller
	Topic     string
	Interval  time.Duration
	Batch     int
	Logf      func(format string, args ...any)
}

func New(cfg Config) (*Bridge, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("bridge: empty topic")
	}
	b := &Bridge{
		source:    cfg.Source,
		provider:  cfg.Provider,
		fulfiller: cfg.Fulfiller,
		topic:     cfg.Topic,
		interval:  cfg.Interval,
		batch:     cfg.Batch,
		logf:      cfg.Logf,
	}
	if b.interval <= 0 {
		b.interval = 5 * time.Second
	}
	if b.batch <= 0 {
		b.batch = 10
	}
	if b.logf == nil {
		b.logf = log.Printf
	}
	return b, nil
}

// Run polls for request notifications until the context is cancelled.
// Provider and submission failures are logged per event and leave the message
// pending for retry; the watch loop never terminates on them.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil {
			b.logf("bridge %s: poll: %v", b.topic, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll processes one claimed batch. Only claim-level failures are returned;
// per-message failures are logged and the message stays pending.
func (b *Bridge) Poll(ctx context.Context) error {
	messages, err := b.source.Claim(ctx, b.topic, b.batch)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := b.handle(ctx, msg); err != nil {
			// Terminal-status failures mean another submission won the race or
			// a retry already landed; acknowledging is safe either way.
			if errors.Is(err, workflow.ErrNotPending) {
				b.logf("bridge %s: message %s already handled", b.topic, msg.ID)
				if err := b.source.MarkDone(ctx, msg.ID); err != nil {
					b.logf("bridge %s: ack %s: %v", b.topic, msg.ID, err)
				}
				continue
			}
			b.logf("bridge %s: message %s: %v", b.topic, msg.ID, err)
			continue
		}
		if err := b.source.MarkDone(ctx, msg.ID); err != nil {
			b.logf("bridge %s: ack %s: %v", b.topic, msg.ID, err)
		}
	}

	return nil
}

// requestNotice mirrors the RequestCreated notification payload.
type requestNotice struct {
	RequestID        string         `json:"request_id"`
	Requester        string         `json:"requester"`
	DomainKey        string         `json:"domain_key"`
	CorrelationToken string         `json:"correlation_token"`
	Params           map[string]any `json:"params"`
}

func (b *Bridge) handle(ctx context.Context, msg outbox.Message) error {
	var notice requestNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		return fmt.Errorf("bridge: decode notification: %w", err)
	}

	inv := Invocation{
		DomainKey:        notice.DomainKey,
		CorrelationToken: notice.CorrelationToken,
		Params:           notice.Params,
	}

	out, err := b.provider.Invoke(ctx, inv)
	if err != nil {
		return err
	}

	return b.fulfiller.Fulfill(ctx, inv, notice.RequestID, out)
}
