package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateAssignsDefaults(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore())

	request, err := manager.Create(ctx, CreateRequest{
		Summary:        "write_file to /tmp/out",
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if request.ApprovalID == "" {
		t.Fatal("approval_id not generated")
	}
	if request.Status != StatusPending {
		t.Fatalf("expected pending, got %s", request.Status)
	}
	if request.ExpiresAt != request.CreatedAt+60 {
		t.Fatalf("expires_at mismatch: created=%d expires=%d", request.CreatedAt, request.ExpiresAt)
	}

	if _, err := manager.Create(ctx, CreateRequest{Summary: "  "}); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestSubmitDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore())

	request, err := manager.Create(ctx, CreateRequest{Summary: "approve payment", TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	decided, err := manager.SubmitDecision(ctx, request.ApprovalID, DecisionApprove, "operator-1", "看起来没问题")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if decided.Status != StatusApproved || decided.Decision != DecisionApprove {
		t.Fatalf("unexpected state: %+v", decided)
	}
	if decided.ApprovedBy != "operator-1" || decided.ApprovedAt == 0 {
		t.Fatalf("decision metadata missing: %+v", decided)
	}

	// 终态后再次提交必须失败且不改写原决定。
	if _, err := manager.SubmitDecision(ctx, request.ApprovalID, DecisionReject, "operator-2", ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	snapshot, _ := manager.Get(ctx, request.ApprovalID)
	if snapshot.ApprovedBy != "operator-1" || snapshot.Decision != DecisionApprove {
		t.Fatalf("second decision mutated the record: %+v", snapshot)
	}

	if _, err := manager.SubmitDecision(ctx, "missing", DecisionApprove, "op", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	fresh, err := manager.Create(ctx, CreateRequest{Summary: "still pending", TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := manager.SubmitDecision(ctx, fresh.ApprovalID, Decision("maybe"), "op", ""); err == nil {
		t.Fatal("invalid decision accepted")
	}
	pending, _ := manager.Get(ctx, fresh.ApprovalID)
	if pending.Status != StatusPending {
		t.Fatalf("invalid decision changed status: %s", pending.Status)
	}
}

func TestLateDecisionNeverSucceeds(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}

	manager := NewManager(NewMemoryStore(), WithClock(clock))
	request, err := manager.Create(ctx, CreateRequest{Summary: "sensitive call", TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	advance(2 * time.Second)

	if _, err := manager.SubmitDecision(ctx, request.ApprovalID, DecisionApprove, "op", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	snapshot, err := manager.Get(ctx, request.ApprovalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", snapshot.Status)
	}
	if snapshot.Decision != "" || snapshot.ApprovedBy != "" {
		t.Fatalf("late decision mutated the record: %+v", snapshot)
	}

	// 过期之后的重复提交仍然报告 Expired，而不是 AlreadyDecided。
	if _, err := manager.SubmitDecision(ctx, request.ApprovalID, DecisionReject, "op", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on retry, got %v", err)
	}
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore())
	request, err := manager.Create(ctx, CreateRequest{Summary: "race", TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var recorded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		decision := DecisionApprove
		if i%2 == 1 {
			decision = DecisionReject
		}
		go func(d Decision) {
			defer wg.Done()
			if _, err := manager.SubmitDecision(ctx, request.ApprovalID, d, "op", ""); err == nil {
				recorded.Add(1)
			}
		}(decision)
	}
	wg.Wait()

	if got := recorded.Load(); got != 1 {
		t.Fatalf("expected exactly one recorded decision, got %d", got)
	}
}

func TestSweeperMarksExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	current := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	manager := NewManager(store, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}))

	request, err := manager.Create(ctx, CreateRequest{Summary: "sweep me", TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mu.Lock()
	current = current.Add(5 * time.Second)
	mu.Unlock()

	expired, err := store.ExpireDue(ctx, current.Unix())
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if len(expired) != 1 || expired[0].ApprovalID != request.ApprovalID {
		t.Fatalf("unexpected sweep result: %+v", expired)
	}
	// 二次巡检不应重复上报。
	again, _ := store.ExpireDue(ctx, current.Unix())
	if len(again) != 0 {
		t.Fatalf("expired request reported twice: %+v", again)
	}
}
