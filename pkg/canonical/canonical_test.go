package canonical

import (
	"crypto/ed25519"
	"testing"
)

func flowEnvelope(tsNs uint64) Envelope {
	return Envelope{
		Version: CurrentVersion,
		TsNs:    tsNs,
		Payload: Payload{
			Kind: PayloadFlow,
			Flow: &FlowEvent{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", BytesSent: 100},
		},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	e := flowEnvelope(1)
	signed, err := Sign(e, priv)
	if err != nil {
		t.Fatal(err)
	}
	if len(signed.Sig) != SignatureSize {
		t.Fatalf("unexpected sig length %d", len(signed.Sig))
	}
	if !Verify(signed, pub) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyNeverPanics(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	e := flowEnvelope(1)
	e.Sig = []byte("short")
	if Verify(e, pub) {
		t.Fatal("expected false for bad signature length")
	}
	e.Sig = make([]byte, SignatureSize)
	if Verify(e, nil) {
		t.Fatal("expected false for nil public key")
	}
}

func TestIdempotencyStableAcrossEquivalentEnvelopes(t *testing.T) {
	e1 := flowEnvelope(42)
	e2 := flowEnvelope(42)
	k1, err := IdempotencyOf(e1)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := IdempotencyOf(e2)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical idempotency keys, got %q vs %q", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(k1))
	}
}

func TestIdempotencyDiffersOnPayloadChange(t *testing.T) {
	e1 := flowEnvelope(42)
	e2 := flowEnvelope(42)
	e2.Payload.Flow.BytesSent = 101
	k1, _ := IdempotencyOf(e1)
	k2, _ := IdempotencyOf(e2)
	if k1 == k2 {
		t.Fatal("expected different idempotency keys for different payloads")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	e := flowEnvelope(7)
	s1, err := Sign(e, priv)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := Sign(e, priv)
	if err != nil {
		t.Fatal(err)
	}
	if string(s1.Sig) != string(s2.Sig) {
		t.Fatal("expected deterministic signature for identical input")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	e, err := Sign(flowEnvelope(9), priv)
	if err != nil {
		t.Fatal(err)
	}
	data, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.TsNs != e.TsNs || got.IdempotencyKey != e.IdempotencyKey {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, e)
	}
	if got.Payload.Flow == nil || got.Payload.Flow.SrcIP != "10.0.0.1" {
		t.Fatalf("payload not round-tripped: %+v", got.Payload)
	}
}

func TestMarshalRejectsTrailingBytes(t *testing.T) {
	e := flowEnvelope(1)
	data, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, 0xFF)
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected unknown-field rejection for trailing bytes")
	}
}

func TestOversizeRejected(t *testing.T) {
	huge := &ProcessEvent{Name: string(make([]byte, MaxEnvelopeBytes))}
	e := Envelope{Version: CurrentVersion, Payload: Payload{Kind: PayloadProcess, Process: huge}}
	if _, err := e.Marshal(); err == nil {
		t.Fatal("expected oversize envelope to be rejected")
	}
}

func TestSignatureLengthBoundaries(t *testing.T) {
	for _, n := range []int{0, 63, 65} {
		e := flowEnvelope(1)
		if n > 0 {
			e.Sig = make([]byte, n)
		}
		err := e.ValidateStructure()
		if n == 0 && err != nil {
			t.Fatalf("zero-length sig (pre-signing) should be valid structurally: %v", err)
		}
		if n != 0 && err == nil {
			t.Fatalf("expected ValidateStructure to reject sig length %d", n)
		}
	}
}

func TestExactlyOnePayloadVariant(t *testing.T) {
	e := flowEnvelope(1)
	e.Payload.Device = &DeviceTelemetry{DeviceID: "x", Metric: "y"}
	if err := e.ValidateStructure(); err == nil {
		t.Fatal("expected error when two payload variants are set")
	}
}

func TestBatchPreservesVariants(t *testing.T) {
	e := Envelope{
		Version: CurrentVersion,
		Payload: Payload{
			Kind: PayloadBatch,
			Batch: &TelemetryBatch{Items: []BatchItem{
				{Kind: PayloadFlow, Flow: &FlowEvent{SrcIP: "a", DstIP: "b", BytesSent: 1}},
				{Kind: PayloadDevice, Device: &DeviceTelemetry{DeviceID: "d1", Metric: "temp", Value: 41.5}},
			}},
		},
	}
	data, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload.Batch.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got.Payload.Batch.Items))
	}
	if got.Payload.Batch.Items[1].Kind != PayloadDevice || got.Payload.Batch.Items[1].Device == nil {
		t.Fatal("batch item variant was not preserved")
	}
}
