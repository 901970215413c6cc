package canonical

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wireTag is a format marker, bumped only if the wire layout changes
// incompatibly within major version CurrentVersion.
const wireTag = "TE1"

// ErrTruncated is returned when the wire bytes end before a field is fully
// read.
var ErrTruncated = errors.New("canonical: truncated envelope bytes")

// Marshal serializes the full signed envelope (including Sig,
// IdempotencyKey, and PrevSig) for transport and for storage in the WAL /
// event store. It is the format the 128 KiB size cap is measured against.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(wireTag)
	writeString(&buf, e.Version)
	writeUint64(&buf, e.TsNs)
	writeString(&buf, e.IdempotencyKey)
	if err := writePayload(&buf, e.Payload); err != nil {
		return nil, err
	}
	writeOptionalBytes(&buf, e.Sig)
	writeOptionalBytes(&buf, e.PrevSig)
	if buf.Len() > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, buf.Len())
	}
	return buf.Bytes(), nil
}

// Unmarshal parses bytes produced by Marshal. Any trailing bytes are
// rejected as an unknown-field violation: unknown fields must be rejected
// rather than silently preserved.
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	r := bytes.NewReader(data)
	tag := make([]byte, len(wireTag))
	if _, err := io.ReadFull(r, tag); err != nil || string(tag) != wireTag {
		return Envelope{}, fmt.Errorf("canonical: bad envelope tag")
	}
	var e Envelope
	var err error
	if e.Version, err = readString(r); err != nil {
		return Envelope{}, err
	}
	if e.TsNs, err = readUint64(r); err != nil {
		return Envelope{}, err
	}
	if e.IdempotencyKey, err = readString(r); err != nil {
		return Envelope{}, err
	}
	if e.Payload, err = readPayload(r); err != nil {
		return Envelope{}, err
	}
	if e.Sig, err = readOptionalBytes(r); err != nil {
		return Envelope{}, err
	}
	if e.PrevSig, err = readOptionalBytes(r); err != nil {
		return Envelope{}, err
	}
	if r.Len() != 0 {
		return Envelope{}, ErrUnknownField
	}
	return e, nil
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	v, err := readUint64(r)
	if err != nil {
		return 0, err
	}
	return mathFloat64frombits(v), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", ErrTruncated
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTruncated
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrTruncated
	}
	return b, nil
}

func readOptionalBytes(r *bytes.Reader) ([]byte, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if present == 0 {
		return nil, nil
	}
	return readBytes(r)
}

func readPayload(r *bytes.Reader) (Payload, error) {
	kindStr, err := readString(r)
	if err != nil {
		return Payload{}, err
	}
	kind := PayloadKind(kindStr)
	p := Payload{Kind: kind}
	switch kind {
	case PayloadFlow:
		f, err := readFlowEvent(r)
		if err != nil {
			return Payload{}, err
		}
		p.Flow = &f
	case PayloadProcess:
		pe, err := readProcessEvent(r)
		if err != nil {
			return Payload{}, err
		}
		p.Process = &pe
	case PayloadDevice:
		d, err := readDeviceTelemetry(r)
		if err != nil {
			return Payload{}, err
		}
		p.Device = &d
	case PayloadBatch:
		n, err := readUvarint(r)
		if err != nil {
			return Payload{}, err
		}
		items := make([]BatchItem, 0, n)
		for i := uint64(0); i < n; i++ {
			itemKindStr, err := readString(r)
			if err != nil {
				return Payload{}, err
			}
			item := BatchItem{Kind: PayloadKind(itemKindStr)}
			switch item.Kind {
			case PayloadFlow:
				f, err := readFlowEvent(r)
				if err != nil {
					return Payload{}, err
				}
				item.Flow = &f
			case PayloadProcess:
				pe, err := readProcessEvent(r)
				if err != nil {
					return Payload{}, err
				}
				item.Process = &pe
			case PayloadDevice:
				d, err := readDeviceTelemetry(r)
				if err != nil {
					return Payload{}, err
				}
				item.Device = &d
			default:
				return Payload{}, fmt.Errorf("%w: %s", ErrUnknownPayload, item.Kind)
			}
			items = append(items, item)
		}
		p.Batch = &TelemetryBatch{Items: items}
	default:
		return Payload{}, fmt.Errorf("%w: %s", ErrUnknownPayload, kind)
	}
	return p, nil
}

func readFlowEvent(r *bytes.Reader) (FlowEvent, error) {
	var f FlowEvent
	var err error
	if f.SrcIP, err = readString(r); err != nil {
		return f, err
	}
	if f.DstIP, err = readString(r); err != nil {
		return f, err
	}
	v, err := readUvarint(r)
	if err != nil {
		return f, err
	}
	f.SrcPort = uint32(v)
	if v, err = readUvarint(r); err != nil {
		return f, err
	}
	f.DstPort = uint32(v)
	if f.Proto, err = readString(r); err != nil {
		return f, err
	}
	if f.BytesSent, err = readUvarint(r); err != nil {
		return f, err
	}
	if f.BytesRecv, err = readUvarint(r); err != nil {
		return f, err
	}
	return f, nil
}

func readProcessEvent(r *bytes.Reader) (ProcessEvent, error) {
	var p ProcessEvent
	v, err := readUvarint(r)
	if err != nil {
		return p, err
	}
	p.Pid = uint32(v)
	if v, err = readUvarint(r); err != nil {
		return p, err
	}
	p.PPid = uint32(v)
	if p.Name, err = readString(r); err != nil {
		return p, err
	}
	if p.Cmdline, err = readString(r); err != nil {
		return p, err
	}
	if p.User, err = readString(r); err != nil {
		return p, err
	}
	if p.StartedNs, err = readUvarint(r); err != nil {
		return p, err
	}
	return p, nil
}

func readDeviceTelemetry(r *bytes.Reader) (DeviceTelemetry, error) {
	var d DeviceTelemetry
	var err error
	if d.DeviceID, err = readString(r); err != nil {
		return d, err
	}
	if d.Metric, err = readString(r); err != nil {
		return d, err
	}
	if d.Value, err = readFloat64(r); err != nil {
		return d, err
	}
	if d.Unit, err = readString(r); err != nil {
		return d, err
	}
	return d, nil
}
