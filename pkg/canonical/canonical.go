package canonical

import (
	"bytes"
	"encoding/binary"
)

// CanonicalBytes returns the deterministic byte encoding used as input to
// both signing and idempotency hashing. It clears Sig and, because the
// idempotency key is itself derived from these bytes, also omits
// IdempotencyKey — the signed bytes and the keyed bytes are identical.
// Field order is fixed; optional absent fields are omitted rather than
// encoded as zero values, so that e.g. an envelope with no PrevSig
// canonicalizes identically regardless of in-memory representation.
//
// This encoding is deliberately not JSON/protobuf: it is a small
// length-prefixed binary format that does not evolve silently — any field
// this implementation does not know about cannot be represented at all, so
// unknown fields are rejected rather than silently carried through.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	if err := e.ValidateStructure(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeString(&buf, e.Version)
	writeUint64(&buf, e.TsNs)
	if err := writePayload(&buf, e.Payload); err != nil {
		return nil, err
	}
	writeOptionalBytes(&buf, e.PrevSig)
	return buf.Bytes(), nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	writeUint64(buf, mathFloat64bits(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// writeOptionalBytes writes a presence flag followed by the bytes. A nil
// slice and an empty slice are both written as absent (a single 0 flag), so
// they canonicalize identically.
func writeOptionalBytes(buf *bytes.Buffer, b []byte) {
	if len(b) == 0 {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeBytes(buf, b)
}

func writePayload(buf *bytes.Buffer, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	writeString(buf, string(p.Kind))
	switch p.Kind {
	case PayloadFlow:
		writeFlowEvent(buf, *p.Flow)
	case PayloadProcess:
		writeProcessEvent(buf, *p.Process)
	case PayloadDevice:
		writeDeviceTelemetry(buf, *p.Device)
	case PayloadBatch:
		writeUvarint(buf, uint64(len(p.Batch.Items)))
		for _, item := range p.Batch.Items {
			writeString(buf, string(item.Kind))
			switch item.Kind {
			case PayloadFlow:
				writeFlowEvent(buf, *item.Flow)
			case PayloadProcess:
				writeProcessEvent(buf, *item.Process)
			case PayloadDevice:
				writeDeviceTelemetry(buf, *item.Device)
			}
		}
	}
	return nil
}

func writeFlowEvent(buf *bytes.Buffer, f FlowEvent) {
	writeString(buf, f.SrcIP)
	writeString(buf, f.DstIP)
	writeUvarint(buf, uint64(f.SrcPort))
	writeUvarint(buf, uint64(f.DstPort))
	writeString(buf, f.Proto)
	writeUvarint(buf, f.BytesSent)
	writeUvarint(buf, f.BytesRecv)
}

func writeProcessEvent(buf *bytes.Buffer, p ProcessEvent) {
	writeUvarint(buf, uint64(p.Pid))
	writeUvarint(buf, uint64(p.PPid))
	writeString(buf, p.Name)
	writeString(buf, p.Cmdline)
	writeString(buf, p.User)
	writeUvarint(buf, p.StartedNs)
}

func writeDeviceTelemetry(buf *bytes.Buffer, d DeviceTelemetry) {
	writeString(buf, d.DeviceID)
	writeString(buf, d.Metric)
	writeFloat64(buf, d.Value)
	writeString(buf, d.Unit)
}
