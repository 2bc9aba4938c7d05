package store

import (
	"context"
	"testing"
	"time"
)

func TestReserveIdempotencySingleWinner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	won, err := st.ReserveIdempotency(ctx, "tenant_a", "key-1")
	if err != nil {
		t.Fatalf("ReserveIdempotency: %v", err)
	}
	if !won {
		t.Fatal("first reservation lost")
	}
	again, err := st.ReserveIdempotency(ctx, "tenant_a", "key-1")
	if err != nil {
		t.Fatalf("second ReserveIdempotency: %v", err)
	}
	if again {
		t.Fatal("second reservation of the same key won")
	}
	// Same key under a different tenant is a distinct reservation.
	other, err := st.ReserveIdempotency(ctx, "tenant_b", "key-1")
	if err != nil || !other {
		t.Fatalf("cross-tenant reservation won=%v err=%v, want win", other, err)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.ReserveIdempotency(ctx, "t", "key"); err != nil {
		t.Fatalf("ReserveIdempotency: %v", err)
	}

	rec, err := st.GetIdempotency(ctx, "t", "key")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec == nil || rec.Status != nil {
		t.Fatalf("reservation = %+v, want in-flight record with nil status", rec)
	}

	body := []byte(`{"id":"tsk_1"}`)
	if err := st.CompleteIdempotency(ctx, "t", "key", 201, body); err != nil {
		t.Fatalf("CompleteIdempotency: %v", err)
	}
	rec, err = st.GetIdempotency(ctx, "t", "key")
	if err != nil {
		t.Fatalf("GetIdempotency after complete: %v", err)
	}
	if rec.Status == nil || *rec.Status != 201 {
		t.Fatalf("completed status = %v, want 201", rec.Status)
	}
	if string(rec.Body) != string(body) {
		t.Fatalf("completed body = %q, want %q", rec.Body, body)
	}

	if err := st.DeleteIdempotency(ctx, "t", "key"); err != nil {
		t.Fatalf("DeleteIdempotency: %v", err)
	}
	rec, err = st.GetIdempotency(ctx, "t", "key")
	if err != nil {
		t.Fatalf("GetIdempotency after delete: %v", err)
	}
	if rec != nil {
		t.Fatalf("record survived delete: %+v", rec)
	}
}

func TestPurgeStaleReservations(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.ReserveIdempotency(ctx, "t", "abandoned"); err != nil {
		t.Fatalf("ReserveIdempotency: %v", err)
	}
	if _, err := st.ReserveIdempotency(ctx, "t", "done"); err != nil {
		t.Fatalf("ReserveIdempotency: %v", err)
	}
	if err := st.CompleteIdempotency(ctx, "t", "done", 201, []byte(`{}`)); err != nil {
		t.Fatalf("CompleteIdempotency: %v", err)
	}

	// Only the in-flight reservation goes; the stored outcome stays
	// replayable for the full retention window.
	n, err := st.PurgeStaleReservations(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeStaleReservations: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d reservations, want 1", n)
	}
	if rec, _ := st.GetIdempotency(ctx, "t", "abandoned"); rec != nil {
		t.Fatalf("abandoned reservation survived purge: %+v", rec)
	}
	if rec, _ := st.GetIdempotency(ctx, "t", "done"); rec == nil || rec.Status == nil {
		t.Fatalf("completed record lost to reservation purge: %+v", rec)
	}
}

func TestPurgeIdempotency(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.ReserveIdempotency(ctx, "t", "old"); err != nil {
		t.Fatalf("ReserveIdempotency: %v", err)
	}

	n, err := st.PurgeIdempotency(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeIdempotency: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d records, want 1", n)
	}
}
