package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"attestflow/identity"
	"attestflow/outbox"
	"attestflow/review"
	"attestflow/workflow"
)

// Actors drive the real services, not raw SQL, so the same guard paths run
// under contention that run in production. Guard rejections are the expected
// outcome of a lost race and never fail the run; chaos may also sever a
// connection mid-call, so transient errors are retried rather than returned.
// The oracles are the only judge of correctness.

// Requester opens review requests for one change set in a loop.
func Requester(ctx context.Context, reviews *review.Service, requester, changeSet string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = reviews.Create(ctx, review.CreateParams{
			Requester:   requester,
			ChangeSetID: changeSet,
		})
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Fulfiller races other fulfillers and the canceller for the oldest pending
// request. Exactly one terminal transition per request may win.
func Fulfiller(ctx context.Context, pool *pgxpool.Pool, reviews *review.Service, wallet string, identityID int64, changeSet string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		requestID, ok := pickPending(ctx, pool)
		if ok {
			_, err := reviews.Fulfill(ctx, review.FulfillParams{
				Caller:      wallet,
				IdentityID:  identityID,
				RequestID:   requestID,
				ChangeSetID: changeSet,
				Approved:    rand.Intn(2) == 0,
				Summary:     fmt.Sprintf("stress pass %d", rand.Int63()),
			})
			tolerate(err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Canceller aborts pending requests as the original requester.
func Canceller(ctx context.Context, pool *pgxpool.Pool, reviews *review.Service, requester string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		requestID, ok := pickPending(ctx, pool)
		if ok {
			tolerate(reviews.Cancel(ctx, requester, requestID))
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Rebinder flips the fulfilling identity's authority binding back and forth,
// opening windows where fulfillment attempts must be rejected.
func Rebinder(ctx context.Context, registry *identity.Service, owner string, identityID int64, authority string, stop <-chan struct{}) error {
	bound := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		next := authority
		if bound {
			next = "nowhere-engine"
		}
		bound = !bound
		_ = registry.SetBoundAuthority(ctx, owner, identityID, next)
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains one notification topic with at-least-once semantics.
func OutboxWorker(ctx context.Context, consumer *outbox.Consumer, topic string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		messages, err := consumer.Claim(ctx, topic, 20)
		if err == nil {
			for _, m := range messages {
				_ = consumer.MarkDone(ctx, m.ID)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

func pickPending(ctx context.Context, pool *pgxpool.Pool) (string, bool) {
	var requestID string
	err := pool.QueryRow(ctx,
		`SELECT id FROM workflow_requests WHERE status = 'pending' ORDER BY created_at LIMIT 1`,
	).Scan(&requestID)
	if err != nil {
		return "", false
	}
	return requestID, true
}

func tolerate(err error) {
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrNotPending):
	case errors.Is(err, workflow.ErrUnknownRequest):
	case errors.Is(err, workflow.ErrUnauthorized):
	case errors.Is(err, pgx.ErrNoRows):
	default:
		// connection chaos; the next iteration retries
	}
}
