package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"attestflow/approval"
	"attestflow/bridge"
	"attestflow/db"
	"attestflow/identity"
	"attestflow/outbox"
	"attestflow/review"
	"attestflow/trace"
	"attestflow/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	registry := identity.NewService(pool, identity.NewRepository(pool))
	ledger := trace.NewLedger(pool)
	notify := outbox.NewWriter()

	reviewAuthority := envOr("REVIEW_AUTHORITY", "review-engine-1")
	reviewEngine, err := review.NewEngine(workflow.Config{
		Authority: reviewAuthority,
		Pool:      pool,
		Repo:      workflow.NewRepository(pool),
		Directory: registry,
		Recorder:  ledger,
		Notify:    notify,
	})
	if err != nil {
		log.Fatalf("bootstrap review engine: %v", err)
	}
	reviews := review.NewService(reviewEngine)

	approvalAuthority := envOr("APPROVAL_AUTHORITY", "approval-engine-1")
	approvalEngine, err := approval.NewEngine(workflow.Config{
		Authority: approvalAuthority,
		Pool:      pool,
		Repo:      workflow.NewRepository(pool),
		Directory: registry,
		Recorder:  ledger,
		Notify:    notify,
	})
	if err != nil {
		log.Fatalf("bootstrap approval engine: %v", err)
	}
	approvals := approval.NewService(approvalEngine)

	log.Printf("engines ready: review=%s approval=%s", reviewAuthority, approvalAuthority)

	consumer := outbox.NewConsumer(pool)
	wallet := os.Getenv("BRIDGE_WALLET")
	identityID := envID("BRIDGE_IDENTITY_ID")

	if endpoint := os.Getenv("REVIEW_PROVIDER_URL"); endpoint != "" {
		b, err := bridge.New(bridge.Config{
			Source:    consumer,
			Provider:  bridge.NewHTTPProvider(endpoint, "invoke"),
			Fulfiller: bridge.NewReviewFulfiller(reviews, wallet, identityID),
			Topic:     review.WorkflowType + ".requested",
		})
		if err != nil {
			log.Fatalf("bootstrap review bridge: %v", err)
		}
		go runBridge(ctx, "review", b)
	}

	if endpoint := os.Getenv("APPROVAL_PROVIDER_URL"); endpoint != "" {
		b, err := bridge.New(bridge.Config{
			Source:    consumer,
			Provider:  bridge.NewHTTPProvider(endpoint, "invoke"),
			Fulfiller: bridge.NewApprovalFulfiller(approvals, wallet, identityID),
			Topic:     approval.WorkflowType + ".requested",
		})
		if err != nil {
			log.Fatalf("bootstrap approval bridge: %v", err)
		}
		go runBridge(ctx, "approval", b)
	}

	server := &Server{
		identities: registry,
		reviews:    reviews,
		approvals:  approvals,
		tracer:     ledger,
	}
	httpServer := &http.Server{
		Addr:    envOr("LISTEN_ADDR", ":8080"),
		Handler: server.routes(),
	}

	go func() {
		log.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func runBridge(ctx context.Context, name string, b *bridge.Bridge) {
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("%s bridge stopped: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envID(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return id
}
