package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"attestflow/review"
	"attestflow/trace"
	"attestflow/workflow"
)

func newTestService(t *testing.T, repo workflow.Repository, dir workflow.Directory, recorder *memRecorder) *Service {
	t.Helper()

	eng, err := NewEngine(workflow.Config{
		Authority: "approval-engine-1",
		Pool:      &memPool{},
		Repo:      repo,
		Directory: dir,
		Recorder:  recorder,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return NewService(eng)
}

func TestApprovalDecisions(t *testing.T) {
	dir := &memDirectory{
		wallets:     map[int64]string{2: "wallet-2"},
		authorities: map[int64]string{2: "approval-engine-1"},
	}

	cases := []struct {
		name    string
		decide  func(svc *Service, params DecisionParams) (workflow.Result, error)
		status  workflow.Status
		verify  func(t *testing.T, out Outcome)
	}{
		{
			name: "approve",
			decide: func(svc *Service, params DecisionParams) (workflow.Result, error) {
				return svc.Approve(context.Background(), params, "ship it")
			},
			status: workflow.StatusApproved,
			verify: func(t *testing.T, out Outcome) {
				if out.Decision != "approved" || out.Note != "ship it" {
					t.Fatalf("unexpected outcome: %+v", out)
				}
			},
		},
		{
			name: "needs revision",
			decide: func(svc *Service, params DecisionParams) (workflow.Result, error) {
				return svc.NeedsRevision(context.Background(), params, []string{"missing tests", "unclear naming"})
			},
			status: workflow.StatusNeedsRevision,
			verify: func(t *testing.T, out Outcome) {
				if len(out.Blockers) != 2 || out.Blockers[0] != "missing tests" || out.Blockers[1] != "unclear naming" {
					t.Fatalf("blockers not preserved verbatim: %+v", out.Blockers)
				}
			},
		},
		{
			name: "reject",
			decide: func(svc *Service, params DecisionParams) (workflow.Result, error) {
				return svc.Reject(context.Background(), params, "out of scope")
			},
			status: workflow.StatusRejected,
			verify: func(t *testing.T, out Outcome) {
				if out.Decision != "rejected" || out.Reason != "out of scope" {
					t.Fatalf("unexpected outcome: %+v", out)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t, newMemRepo(), dir, &memRecorder{})

			req, err := svc.Create(context.Background(), CreateParams{
				Requester: "requester-1",
				DomainKey: "PR-42",
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			params := DecisionParams{
				Caller:     "wallet-2",
				IdentityID: 2,
				RequestID:  req.ID,
				DomainKey:  "PR-42",
			}

			result, err := tc.decide(svc, params)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if result.Outcome != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, result.Outcome)
			}

			out, err := DecodeOutcome(result)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.verify(t, out)

			// Every decision shares the same guard path, so a second decision
			// of any variant fails identically.
			if _, err := svc.Approve(context.Background(), params, "again"); !errors.Is(err, workflow.ErrNotPending) {
				t.Fatalf("expected ErrNotPending on second decision, got %v", err)
			}
		})
	}
}

// A completed review hands its correlation token to an approval request on a
// second engine instance; the shared ledger sees one continuous thread of
// four ordered hops.
func TestReviewToApprovalHandoff(t *testing.T) {
	dir := &memDirectory{
		wallets:     map[int64]string{1: "wallet-1", 2: "wallet-2"},
		authorities: map[int64]string{1: "review-engine-1", 2: "approval-engine-1"},
	}
	recorder := &memRecorder{}
	repo := newMemRepo()

	reviewEngine, err := review.NewEngine(workflow.Config{
		Authority: "review-engine-1",
		Pool:      &memPool{},
		Repo:      repo,
		Directory: dir,
		Recorder:  recorder,
	})
	if err != nil {
		t.Fatalf("new review engine: %v", err)
	}
	reviews := review.NewService(reviewEngine)
	approvals := newTestService(t, repo, dir, recorder)

	reviewReq, err := reviews.Create(context.Background(), review.CreateParams{
		Requester:   "requester-1",
		ChangeSetID: "PR-42",
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}

	if _, err := reviews.Fulfill(context.Background(), review.FulfillParams{
		Caller:      "wallet-1",
		IdentityID:  1,
		RequestID:   reviewReq.ID,
		ChangeSetID: "PR-42",
		Approved:    true,
	}); err != nil {
		t.Fatalf("fulfill review: %v", err)
	}

	approvalReq, err := approvals.Create(context.Background(), CreateParams{
		Requester:        "requester-1",
		DomainKey:        "PR-42",
		CorrelationToken: reviewReq.CorrelationToken,
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if approvalReq.CorrelationToken != reviewReq.CorrelationToken {
		t.Fatalf("token must propagate unchanged across the handoff")
	}

	result, err := approvals.NeedsRevision(context.Background(), DecisionParams{
		Caller:     "wallet-2",
		IdentityID: 2,
		RequestID:  approvalReq.ID,
		DomainKey:  "PR-42",
	}, []string{"blocker one", "blocker two"})
	if err != nil {
		t.Fatalf("needs revision: %v", err)
	}

	out, err := DecodeOutcome(result)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Blockers) != 2 || out.Blockers[0] != "blocker one" || out.Blockers[1] != "blocker two" {
		t.Fatalf("blockers not preserved: %+v", out.Blockers)
	}

	token := reviewReq.CorrelationToken
	var thread []trace.Hop
	for _, hop := range recorder.hops {
		if hop.CorrelationToken == token {
			thread = append(thread, hop)
		}
	}
	if len(thread) != 4 {
		t.Fatalf("expected 4 hops for token, got %d", len(thread))
	}
	wantActions := []string{"reviewRequested", "reviewFulfilled", "approvalRequested", "approvalNeedsRevision"}
	wantAuthorities := []string{"review-engine-1", "review-engine-1", "approval-engine-1", "approval-engine-1"}
	for i, hop := range thread {
		if hop.Action != wantActions[i] || hop.Authority != wantAuthorities[i] {
			t.Fatalf("hop %d: got %+v, want action %s authority %s", i, hop, wantActions[i], wantAuthorities[i])
		}
	}
}

// ---- fakes ----

type memDirectory struct {
	wallets     map[int64]string
	authorities map[int64]string
}

func (m *memDirectory) VerifiedWallet(_ context.Context, id int64) (string, error) {
	return m.wallets[id], nil
}

func (m *memDirectory) BoundAuthority(_ context.Context, id int64) (string, error) {
	return m.authorities[id], nil
}

type memRecorder struct {
	hops []trace.Hop
}

func (m *memRecorder) Record(_ context.Context, _ pgx.Tx, hop trace.Hop) error {
	m.hops = append(m.hops, hop)
	return nil
}

type memRepo struct {
	seq      int64
	requests map[string]workflow.Request
	results  map[string]workflow.Result
	latest   map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		requests: make(map[string]workflow.Request),
		results:  make(map[string]workflow.Result),
		latest:   make(map[string]string),
	}
}

func (m *memRepo) NextSequence(context.Context, pgx.Tx) (int64, error) {
	m.seq++
	return m.seq, nil
}

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, req workflow.Request) (workflow.Request, error) {
	req.CreatedAt = time.Now()
	req.StatusUpdatedAt = req.CreatedAt
	m.requests[req.ID] = req
	return req, nil
}

func (m *memRepo) GetForUpdate(_ context.Context, _ pgx.Tx, requestID string) (workflow.Request, error) {
	req, ok := m.requests[requestID]
	if !ok {
		return workflow.Request{}, workflow.ErrUnknownRequest
	}
	return req, nil
}

func (m *memRepo) Get(_ context.Context, requestID string) (workflow.Request, error) {
	return m.GetForUpdate(context.Background(), nil, requestID)
}

func (m *memRepo) UpdateStatus(_ context.Context, _ pgx.Tx, requestID string, status workflow.Status) (time.Time, error) {
	req := m.requests[requestID]
	req.Status = status
	req.StatusUpdatedAt = time.Now()
	m.requests[requestID] = req
	return req.StatusUpdatedAt, nil
}

func (m *memRepo) InsertResult(_ context.Context, _ pgx.Tx, result workflow.Result) (workflow.Result, error) {
	result.FulfilledAt = time.Now()
	m.results[result.RequestID] = result
	return result, nil
}

func (m *memRepo) UpsertLatest(_ context.Context, _ pgx.Tx, authority, domainKey, requestID string) error {
	m.latest[authority+"|"+domainKey] = requestID
	return nil
}

func (m *memRepo) GetResult(_ context.Context, requestID string) (workflow.Result, error) {
	result, ok := m.results[requestID]
	if !ok {
		return workflow.Result{}, workflow.ErrNoResult
	}
	return result, nil
}

func (m *memRepo) GetLatestResult(_ context.Context, authority, domainKey string) (workflow.Result, error) {
	requestID, ok := m.latest[authority+"|"+domainKey]
	if !ok {
		return workflow.Result{}, workflow.ErrNoResult
	}
	return m.results[requestID], nil
}

type memPool struct{}

func (m *memPool) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{}, nil
}

type memTx struct{}

func (m *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memTx does not support nested transactions")
}

func (m *memTx) Commit(context.Context) error   { return nil }
func (m *memTx) Rollback(context.Context) error { return nil }

func (m *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (m *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (m *memTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (m *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (m *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (m *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (m *memTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (m *memTx) Conn() *pgx.Conn {
	return nil
}
