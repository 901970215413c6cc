package eventbus

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"net"
	"testing"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/telemetry"
)

func ctxWithCN(cn string) context.Context {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: cn}}
	p := &peer.Peer{
		Addr: &net.IPAddr{},
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}},
		},
	}
	return peer.NewContext(context.Background(), p)
}

func newTestServer(t *testing.T) (*Server, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := NewAuthTable(
		map[string]string{"agent-1.example": "agent-1"},
		map[string]string{"agent-1": hex.EncodeToString(pub)},
	)
	if err != nil {
		t.Fatal(err)
	}
	dedup, err := NewDedup(1000)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(NewAdmission(10), dedup, auth, NewMemoryEventStore(), canonical.MaxEnvelopeBytes, telemetry.NewMetrics("test-broker"), telemetry.Nop)
	return s, priv
}

func signedFlow(t *testing.T, sk ed25519.PrivateKey, srcIP string) canonical.Envelope {
	t.Helper()
	e := canonical.Envelope{
		Version: canonical.CurrentVersion,
		TsNs:    1,
		Payload: canonical.Payload{Kind: canonical.PayloadFlow, Flow: &canonical.FlowEvent{SrcIP: srcIP, DstIP: "10.0.0.2", BytesSent: 100}},
	}
	signed, err := canonical.Sign(e, sk)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestPublishHappyPath(t *testing.T) {
	s, sk := newTestServer(t)
	ctx := ctxWithCN("agent-1.example")
	env := signedFlow(t, sk, "10.0.0.1")

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.OK {
		t.Fatalf("status = %v, want OK", resp.Ack.Status)
	}
	n, _ := s.Store.Count(ctx)
	if n != 1 {
		t.Fatalf("store count = %d, want 1", n)
	}
}

func TestPublishUnauthorizedCN(t *testing.T) {
	s, sk := newTestServer(t)
	ctx := ctxWithCN("stranger.example")
	env := signedFlow(t, sk, "10.0.0.1")

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.UNAUTHORIZED {
		t.Fatalf("status = %v, want UNAUTHORIZED", resp.Ack.Status)
	}
}

func TestPublishBadSignatureIsInvalid(t *testing.T) {
	s, sk := newTestServer(t)
	_ = sk
	ctx := ctxWithCN("agent-1.example")
	_, otherSk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	// Signed by agent B's key but published under agent-1's identity: this
	// must be INVALID (signature mismatch), not UNAUTHORIZED — CN allowlist
	// membership and key ownership are checked separately.
	env := signedFlow(t, otherSk, "10.0.0.1")

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.INVALID {
		t.Fatalf("status = %v, want INVALID", resp.Ack.Status)
	}
}

func TestPublishOversizeIsInvalid(t *testing.T) {
	s, sk := newTestServer(t)
	s.MaxEnvelopeBytes = 16 // force rejection regardless of payload
	ctx := ctxWithCN("agent-1.example")
	env := signedFlow(t, sk, "10.0.0.1")

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.INVALID {
		t.Fatalf("status = %v, want INVALID", resp.Ack.Status)
	}
}

func TestPublishOverloadModeForcesRetry(t *testing.T) {
	s, sk := newTestServer(t)
	s.Admission.SetOverloadMode(true)
	ctx := ctxWithCN("agent-1.example")
	env := signedFlow(t, sk, "10.0.0.1")

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.RETRY {
		t.Fatalf("status = %v, want RETRY", resp.Ack.Status)
	}
}

func TestPublishDuplicateSuppression(t *testing.T) {
	s, sk := newTestServer(t)
	ctx := ctxWithCN("agent-1.example")
	env := signedFlow(t, sk, "10.0.0.1")

	first, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil || first.Ack.Status != ack.OK {
		t.Fatalf("first publish = %+v, err %v", first, err)
	}
	for i := 0; i < 999; i++ {
		resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if resp.Ack.Status != ack.OK {
			t.Fatalf("replay %d status = %v, want OK", i, resp.Ack.Status)
		}
	}
	n, _ := s.Store.Count(ctx)
	if n != 1 {
		t.Fatalf("store count = %d, want 1 after 1000 identical publishes", n)
	}
}

func TestPublishBatchRecordsBatchSizeAttribute(t *testing.T) {
	s, sk := newTestServer(t)
	ctx := ctxWithCN("agent-1.example")
	e := canonical.Envelope{
		Version: canonical.CurrentVersion,
		TsNs:    1,
		Payload: canonical.Payload{
			Kind: canonical.PayloadBatch,
			Batch: &canonical.TelemetryBatch{Items: []canonical.BatchItem{
				{Kind: canonical.PayloadFlow, Flow: &canonical.FlowEvent{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", BytesSent: 1}},
				{Kind: canonical.PayloadFlow, Flow: &canonical.FlowEvent{SrcIP: "10.0.0.3", DstIP: "10.0.0.2", BytesSent: 2}},
				{Kind: canonical.PayloadProcess, Process: &canonical.ProcessEvent{Pid: 7, Name: "sshd"}},
			}},
		},
	}
	env, err := canonical.Sign(e, sk)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := s.Publish(ctx, &PublishRequest{Envelope: env})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if resp.Ack.Status != ack.OK {
		t.Fatalf("status = %v, want OK", resp.Ack.Status)
	}

	mem := s.Store.(*MemoryEventStore)
	rec, ok := mem.Get(env.IdempotencyKey)
	if !ok {
		t.Fatal("expected batch envelope to be persisted")
	}
	if got := rec.Attrs["batch_size"]; got != "3" {
		t.Fatalf("batch_size attribute = %q, want %q", got, "3")
	}

	// The stored bytes are the batch envelope itself, never collapsed or
	// reduced: every item must round-trip unchanged.
	stored, err := canonical.Unmarshal(rec.Bytes)
	if err != nil {
		t.Fatalf("unmarshal stored batch: %v", err)
	}
	if stored.Payload.Kind != canonical.PayloadBatch || stored.Payload.Batch == nil {
		t.Fatalf("stored envelope is not a TelemetryBatch: %+v", stored.Payload)
	}
	if len(stored.Payload.Batch.Items) != 3 {
		t.Fatalf("stored batch has %d items, want 3", len(stored.Payload.Batch.Items))
	}
}

func TestUpdateAuthConfigRotatesKeyIndependentlyOfAllowlist(t *testing.T) {
	s, oldSK := newTestServer(t)
	ctx := ctxWithCN("agent-1.example")

	newPub, newSK, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	// Rotate only the key map; the CN allowlist field is left nil.
	resp, err := s.UpdateAuthConfig(context.Background(), &UpdateAuthConfigRequest{
		AgentKeyMapHex: map[string]string{"agent-1": hex.EncodeToString(newPub)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatalf("UpdateAuthConfig failed: %s", resp.Error)
	}

	// A publish signed with the old key must now fail verification...
	oldSigned := signedFlow(t, oldSK, "10.0.0.1")
	got, err := s.Publish(ctx, &PublishRequest{Envelope: oldSigned})
	if err != nil {
		t.Fatal(err)
	}
	if got.Ack.Status != ack.INVALID {
		t.Fatalf("status = %v, want INVALID (old key should be rotated out)", got.Ack.Status)
	}

	// ...while one signed with the new key, under the same still-allowlisted
	// CN, succeeds — proving the CN allowlist itself was untouched.
	newSigned := signedFlow(t, newSK, "10.0.0.2")
	got, err = s.Publish(ctx, &PublishRequest{Envelope: newSigned})
	if err != nil {
		t.Fatal(err)
	}
	if got.Ack.Status != ack.OK {
		t.Fatalf("status = %v, want OK with rotated key", got.Ack.Status)
	}
}

func TestHealthReflectsOverloadMode(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := s.Health(context.Background(), &HealthRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Ready {
		t.Fatalf("expected ready before overload mode")
	}
	s.Admission.SetOverloadMode(true)
	resp, err = s.Health(context.Background(), &HealthRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Ready {
		t.Fatalf("expected not ready under overload mode")
	}
}

