// Package canonical defines the telemetry envelope, its deterministic wire
// encoding, and the signing/idempotency primitives built on top of it.
//
// An Envelope is the unit of transmission between an agent publisher and the
// EventBus, and the unit of persistence in both the agent's write-ahead log
// and the broker's event store. See CanonicalBytes for the determinism
// contract that signing and idempotency hashing both depend on.
package canonical

import (
	"errors"
	"fmt"
)

// CurrentVersion is the only major version this implementation produces.
// Consumers reject envelopes whose major version they do not recognize.
const CurrentVersion = "1"

// MaxEnvelopeBytes is the hard structural size cap enforced at both the
// producer (drop pre-WAL) and the broker (reject with INVALID).
const MaxEnvelopeBytes = 128 * 1024

// SignatureSize is the only legal non-zero length for Sig.
const SignatureSize = 64

// PayloadKind tags the closed set of payload variants an Envelope may carry.
type PayloadKind string

const (
	PayloadFlow    PayloadKind = "flow_event"
	PayloadProcess PayloadKind = "process_event"
	PayloadDevice  PayloadKind = "device_telemetry"
	PayloadBatch   PayloadKind = "telemetry_batch"
)

var (
	ErrUnknownVersion   = errors.New("canonical: unsupported envelope version")
	ErrNoPayload        = errors.New("canonical: no payload variant set")
	ErrMultiplePayloads = errors.New("canonical: more than one payload variant set")
	ErrUnknownPayload   = errors.New("canonical: unknown payload variant")
	ErrBadSignatureLen  = errors.New("canonical: signature has invalid length")
	ErrTooLarge         = errors.New("canonical: envelope exceeds maximum size")
	ErrUnknownField     = errors.New("canonical: envelope contains unknown fields")
)

// FlowEvent describes a single observed network flow.
type FlowEvent struct {
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	SrcPort   uint32 `json:"src_port,omitempty"`
	DstPort   uint32 `json:"dst_port,omitempty"`
	Proto     string `json:"proto,omitempty"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv,omitempty"`
}

// ProcessEvent describes a single observed process lifecycle sample.
type ProcessEvent struct {
	Pid       uint32 `json:"pid"`
	PPid      uint32 `json:"ppid,omitempty"`
	Name      string `json:"name"`
	Cmdline   string `json:"cmdline,omitempty"`
	User      string `json:"user,omitempty"`
	StartedNs uint64 `json:"started_ns,omitempty"`
}

// DeviceTelemetry describes a single SNMP/peripheral metric sample.
type DeviceTelemetry struct {
	DeviceID string  `json:"device_id"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
}

// BatchItem is one element of a TelemetryBatch. Exactly one of Flow,
// Process, or Device is set, matching Kind. Batches cannot nest batches.
type BatchItem struct {
	Kind    PayloadKind      `json:"kind"`
	Flow    *FlowEvent       `json:"flow,omitempty"`
	Process *ProcessEvent    `json:"process,omitempty"`
	Device  *DeviceTelemetry `json:"device,omitempty"`
}

// TelemetryBatch carries multiple samples in one envelope. The active
// variant of every item MUST be persisted as-is; a batch must never be
// silently reduced to a heartbeat or wrapped in a bridging shim.
type TelemetryBatch struct {
	Items []BatchItem `json:"items"`
}

// Payload is a tagged union over the closed set of payload variants.
// Exactly one of Flow, Process, Device, Batch is non-nil, matching Kind.
type Payload struct {
	Kind    PayloadKind      `json:"kind"`
	Flow    *FlowEvent       `json:"flow,omitempty"`
	Process *ProcessEvent    `json:"process,omitempty"`
	Device  *DeviceTelemetry `json:"device,omitempty"`
	Batch   *TelemetryBatch  `json:"batch,omitempty"`
}

// variantCount reports how many variants are non-nil.
func (p Payload) variantCount() int {
	n := 0
	if p.Flow != nil {
		n++
	}
	if p.Process != nil {
		n++
	}
	if p.Device != nil {
		n++
	}
	if p.Batch != nil {
		n++
	}
	return n
}

// Validate enforces the "exactly one payload variant" invariant and that
// Kind agrees with the variant that is actually set.
func (p Payload) Validate() error {
	switch p.variantCount() {
	case 0:
		return ErrNoPayload
	case 1:
		// fallthrough to kind check below
	default:
		return ErrMultiplePayloads
	}
	switch p.Kind {
	case PayloadFlow:
		if p.Flow == nil {
			return fmt.Errorf("%w: kind=%s but flow is nil", ErrUnknownPayload, p.Kind)
		}
	case PayloadProcess:
		if p.Process == nil {
			return fmt.Errorf("%w: kind=%s but process is nil", ErrUnknownPayload, p.Kind)
		}
	case PayloadDevice:
		if p.Device == nil {
			return fmt.Errorf("%w: kind=%s but device is nil", ErrUnknownPayload, p.Kind)
		}
	case PayloadBatch:
		if p.Batch == nil {
			return fmt.Errorf("%w: kind=%s but batch is nil", ErrUnknownPayload, p.Kind)
		}
		for i, item := range p.Batch.Items {
			switch item.Kind {
			case PayloadFlow:
				if item.Flow == nil {
					return fmt.Errorf("canonical: batch item %d: flow is nil", i)
				}
			case PayloadProcess:
				if item.Process == nil {
					return fmt.Errorf("canonical: batch item %d: process is nil", i)
				}
			case PayloadDevice:
				if item.Device == nil {
					return fmt.Errorf("canonical: batch item %d: device is nil", i)
				}
			default:
				return fmt.Errorf("canonical: batch item %d: %w: %s", i, ErrUnknownPayload, item.Kind)
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPayload, p.Kind)
	}
	return nil
}

// Envelope is the signed, versioned unit of telemetry transmitted from an
// agent to the broker, and the unit of storage in the WAL and event store.
type Envelope struct {
	Version        string  `json:"version"`
	TsNs           uint64  `json:"ts_ns"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Payload        Payload `json:"payload"`
	Sig            []byte  `json:"sig,omitempty"`
	PrevSig        []byte  `json:"prev_sig,omitempty"`
}

// ValidateStructure checks the envelope-level invariants that do not require
// cryptographic verification: version, payload shape, and signature length.
// This is the check both the producer (pre-WAL) and the broker run before
// ever looking at the signature bytes.
func (e Envelope) ValidateStructure() error {
	if e.Version != CurrentVersion {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, e.Version)
	}
	if len(e.Sig) != 0 && len(e.Sig) != SignatureSize {
		return fmt.Errorf("%w: got %d bytes", ErrBadSignatureLen, len(e.Sig))
	}
	if len(e.PrevSig) != 0 && len(e.PrevSig) != SignatureSize {
		return fmt.Errorf("canonical: prev_sig has invalid length: got %d bytes", len(e.PrevSig))
	}
	return e.Payload.Validate()
}
