package wal

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pk, sk
}

func flowEnvelope(t *testing.T, sk ed25519.PrivateKey, srcIP string, tsNs uint64) canonical.Envelope {
	t.Helper()
	e := canonical.Envelope{
		Version: canonical.CurrentVersion,
		TsNs:    tsNs,
		Payload: canonical.Payload{
			Kind: canonical.PayloadFlow,
			Flow: &canonical.FlowEvent{SrcIP: srcIP, DstIP: "10.0.0.1", BytesSent: 100},
		},
	}
	signed, err := canonical.Sign(e, sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func openTestWAL(t *testing.T, maxBacklogBytes int64) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "agent.db"), maxBacklogBytes)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendIsIdempotent(t *testing.T) {
	_, sk := testKeyPair(t)
	w := openTestWAL(t, 0)
	ctx := context.Background()
	e := flowEnvelope(t, sk, "1.1.1.1", 1)

	out1, err := w.Append(ctx, e)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if out1 != Stored {
		t.Fatalf("append 1 = %v, want Stored", out1)
	}
	out2, err := w.Append(ctx, e)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if out2 != Duplicate {
		t.Fatalf("append 2 = %v, want Duplicate", out2)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	_, sk := testKeyPair(t)
	ctx := context.Background()

	e1 := flowEnvelope(t, sk, "1.1.1.1", 1)
	raw1, _ := e1.Marshal()
	w := openTestWAL(t, int64(len(raw1))) // room for exactly one row

	if _, err := w.Append(ctx, e1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	e2 := flowEnvelope(t, sk, "2.2.2.2", 2)
	out, err := w.Append(ctx, e2)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if out != Stored {
		t.Fatalf("append 2 = %v, want Stored (e2 should survive, e1 should be evicted)", out)
	}

	backlog, err := w.BacklogBytes(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog > int64(len(raw1)) {
		t.Fatalf("backlog %d exceeds cap %d", backlog, len(raw1))
	}
	if w.OverflowDrops() != 1 {
		t.Fatalf("overflow drops = %d, want 1", w.OverflowDrops())
	}

	// e1 should be gone: draining should only ever see e2.
	var seen []string
	_, err = w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		seen = append(seen, env.Payload.Flow.SrcIP)
		return ack.Ack{Status: ack.OK}, nil
	}, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(seen) != 1 || seen[0] != "2.2.2.2" {
		t.Fatalf("drain saw %v, want only e2", seen)
	}
}

func TestDrainStopsOnRetryAndResumes(t *testing.T) {
	_, sk := testKeyPair(t)
	w := openTestWAL(t, 0)
	ctx := context.Background()

	e1 := flowEnvelope(t, sk, "1.1.1.1", 1)
	e2 := flowEnvelope(t, sk, "2.2.2.2", 2)
	if _, err := w.Append(ctx, e1); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(ctx, e2); err != nil {
		t.Fatal(err)
	}

	calls := 0
	deleted, err := w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		calls++
		return ack.Ack{Status: ack.RETRY}, nil
	}, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 on immediate RETRY", deleted)
	}
	if calls != 1 {
		t.Fatalf("publish called %d times, want 1 (drain must stop at first RETRY)", calls)
	}

	backlog, err := w.BacklogBytes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backlog == 0 {
		t.Fatalf("backlog should still hold both undelivered rows")
	}

	deleted, err = w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		return ack.Ack{Status: ack.OK}, nil
	}, 10)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("second drain deleted = %d, want 2", deleted)
	}
}

func TestDrainDeletesPoisonRows(t *testing.T) {
	_, sk := testKeyPair(t)
	w := openTestWAL(t, 0)
	ctx := context.Background()

	e1 := flowEnvelope(t, sk, "1.1.1.1", 1)
	e2 := flowEnvelope(t, sk, "2.2.2.2", 2)
	if _, err := w.Append(ctx, e1); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(ctx, e2); err != nil {
		t.Fatal(err)
	}

	var calls int
	deleted, err := w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		calls++
		return ack.Ack{Status: ack.INVALID}, nil
	}, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (poison rows always removed)", deleted)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	backlog, err := w.BacklogBytes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backlog != 0 {
		t.Fatalf("backlog = %d, want 0 after poison drain", backlog)
	}
}

func TestDrainStopsOnTransportError(t *testing.T) {
	_, sk := testKeyPair(t)
	w := openTestWAL(t, 0)
	ctx := context.Background()
	e1 := flowEnvelope(t, sk, "1.1.1.1", 1)
	if _, err := w.Append(ctx, e1); err != nil {
		t.Fatal(err)
	}

	deleted, err := w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		return ack.Ack{}, context.DeadlineExceeded
	}, 10)
	if err != nil {
		t.Fatalf("drain should swallow transport errors, got %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}
	backlog, err := w.BacklogBytes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backlog == 0 {
		t.Fatalf("row should remain after transport failure")
	}
}

func TestConcurrentDrainRejected(t *testing.T) {
	_, sk := testKeyPair(t)
	w := openTestWAL(t, 0)
	ctx := context.Background()
	e1 := flowEnvelope(t, sk, "1.1.1.1", 1)
	if _, err := w.Append(ctx, e1); err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
			<-block
			return ack.Ack{Status: ack.OK}, nil
		}, 10)
		done <- err
	}()

	// Give the goroutine a chance to take the draining flag.
	for i := 0; i < 1000; i++ {
		w.mu.Lock()
		draining := w.draining
		w.mu.Unlock()
		if draining {
			break
		}
	}

	_, err := w.Drain(ctx, func(_ context.Context, env canonical.Envelope) (ack.Ack, error) {
		return ack.Ack{Status: ack.OK}, nil
	}, 10)
	if err != ErrDrainBusy {
		t.Fatalf("second drain err = %v, want ErrDrainBusy", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first drain: %v", err)
	}
}
