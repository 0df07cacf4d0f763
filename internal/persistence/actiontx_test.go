package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestActionTxCancelQueuedTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "summarize"})

	err := store.RunActionTx(ctx, func(at *ActionTx) error {
		current, err := at.GetTaskForUpdate(task.ID)
		if err != nil {
			return err
		}
		ok, err := at.CancelTask(task.ID, current.Status, "canceled by operator alice: stuck")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("cancel did not apply")
		}
		_, err = at.InsertAudit(Audit{
			Action: "cancel", TaskID: task.ID, Operator: "alice",
			Reason: "stuck", PrevStatus: current.Status, NewStatus: StatusCanceled,
		})
		return err
	})
	if err != nil {
		t.Fatalf("action tx: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}
	if got.Error == "" {
		t.Fatal("cancel must record a message")
	}

	audits, err := store.ListAudits(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != "cancel" || audits[0].Operator != "alice" {
		t.Fatalf("audits = %+v", audits)
	}
}

func TestActionTxCancelRejectsTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "a"})
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CompleteTask(ctx, claimed.ID, claimed.LeaseToken, `{}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	err = store.RunActionTx(ctx, func(at *ActionTx) error {
		current, err := at.GetTaskForUpdate(task.ID)
		if err != nil {
			return err
		}
		_, err = at.CancelTask(task.ID, current.Status, "too late")
		return err
	})
	if err == nil {
		t.Fatal("canceling a succeeded task must error")
	}
}

func TestActionTxRollbackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "a"})

	sentinel := errors.New("audit write refused")
	err := store.RunActionTx(ctx, func(at *ActionTx) error {
		current, err := at.GetTaskForUpdate(task.ID)
		if err != nil {
			return err
		}
		if _, err := at.CancelTask(task.ID, current.Status, "half-applied"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("status = %s, want queued (mutation rolled back with audit)", got.Status)
	}
	audits, err := store.ListAudits(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("audits = %+v, want none after rollback", audits)
	}
}

func TestActionTxRequeueInvalidatesLease(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "a"})
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := store.StartAttempt(ctx, claimed.ID, claimed.LeaseToken); err != nil {
		t.Fatalf("start attempt: %v", err)
	}

	err = store.RunActionTx(ctx, func(at *ActionTx) error {
		ok, err := at.RequeueTask(claimed.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("requeue did not apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("action tx: %v", err)
	}

	got, err := store.GetTask(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusQueued || got.Attempt != 1 {
		t.Fatalf("got status=%s attempt=%d, want queued/1", got.Status, got.Attempt)
	}
	renewed, err := store.RenewLease(ctx, claimed.ID, claimed.LeaseToken, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed {
		t.Fatal("requeue must invalidate the worker's lease")
	}
}

func TestActionTxInsertTaskForRetry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	orig := mustEnqueue(t, store, EnqueueRequest{
		RequestID: "req-1", Kind: "summarize", Room: "r1", Params: `{"x":1}`,
	})
	claimed, err := store.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.FailTask(ctx, claimed.ID, claimed.LeaseToken, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	var clone *Task
	err = store.RunActionTx(ctx, func(at *ActionTx) error {
		var err error
		clone, err = at.InsertTask(EnqueueRequest{
			RequestID: orig.RequestID + ":retry:1720000000000",
			Kind:      orig.Kind, Room: orig.Room, Params: orig.Params,
			Priority: orig.Priority, MaxAttempts: orig.MaxAttempts,
		})
		return err
	})
	if err != nil {
		t.Fatalf("action tx: %v", err)
	}
	if clone.ID == orig.ID {
		t.Fatal("retry must create a new row")
	}
	if clone.Attempt != 0 || clone.Status != StatusQueued {
		t.Fatalf("clone attempt=%d status=%s, want 0/queued", clone.Attempt, clone.Status)
	}
	if clone.Params != orig.Params {
		t.Fatalf("clone params = %s, want original payload", clone.Params)
	}
}

func TestPruneAudits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "a"})
	err := store.RunActionTx(ctx, func(at *ActionTx) error {
		_, err := at.InsertAudit(Audit{
			Action: "cancel", TaskID: task.ID, Operator: "ops",
			Reason: "cleanup", PrevStatus: StatusQueued, NewStatus: StatusCanceled,
		})
		return err
	})
	if err != nil {
		t.Fatalf("action tx: %v", err)
	}

	n, err := store.PruneAudits(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}
