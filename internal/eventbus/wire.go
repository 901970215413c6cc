package eventbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
)

// PublishRequest is the RPC request message for the Publish method. The
// wire bytes are exactly canonical.Envelope.Marshal's output; there is no
// additional framing, since gRPC's own length-prefixed framing already
// bounds the message.
type PublishRequest struct {
	Envelope canonical.Envelope
}

func (m *PublishRequest) MarshalWire() ([]byte, error) {
	return m.Envelope.Marshal()
}

func (m *PublishRequest) UnmarshalWire(data []byte) error {
	e, err := canonical.Unmarshal(data)
	if err != nil {
		return err
	}
	m.Envelope = e
	return nil
}

// PublishResponse is the RPC response message for the Publish method,
// carrying the ack.Ack taxonomy.
type PublishResponse struct {
	Ack ack.Ack
}

func (m *PublishResponse) MarshalWire() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, int32(m.Ack.Status)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.Ack.BackoffHintMs); err != nil {
		return nil, err
	}
	reason := []byte(m.Ack.Reason)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(reason))); err != nil {
		return nil, err
	}
	buf.Write(reason)
	return buf.Bytes(), nil
}

func (m *PublishResponse) UnmarshalWire(data []byte) error {
	r := bytes.NewReader(data)
	var status int32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return fmt.Errorf("eventbus: truncated ack: %w", err)
	}
	s, err := ack.Parse(status)
	if err != nil {
		return err
	}
	var hint, reasonLen uint32
	if err := binary.Read(r, binary.BigEndian, &hint); err != nil {
		return fmt.Errorf("eventbus: truncated ack: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &reasonLen); err != nil {
		return fmt.Errorf("eventbus: truncated ack: %w", err)
	}
	reason := make([]byte, reasonLen)
	if _, err := io.ReadFull(r, reason); err != nil {
		return fmt.Errorf("eventbus: truncated ack reason: %w", err)
	}
	m.Ack = ack.Ack{Status: s, BackoffHintMs: hint, Reason: string(reason)}
	return nil
}

// HealthRequest is the RPC request message for the Health method; it
// carries no fields.
type HealthRequest struct{}

func (m *HealthRequest) MarshalWire() ([]byte, error) { return nil, nil }
func (m *HealthRequest) UnmarshalWire([]byte) error    { return nil }

// HealthResponse reports coarse broker readiness (false while overload mode
// is on) to Kubernetes-style probes.
type HealthResponse struct {
	Ready bool
}

func (m *HealthResponse) MarshalWire() ([]byte, error) {
	if m.Ready {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (m *HealthResponse) UnmarshalWire(data []byte) error {
	m.Ready = len(data) > 0 && data[0] == 1
	return nil
}

// UpdateAuthConfigRequest carries a full replacement for the CN allowlist
// and/or the agent signing-key map. A nil map leaves the corresponding
// table untouched, so an operator can rotate one independently of the
// other.
type UpdateAuthConfigRequest struct {
	CNAllowlist    map[string]string // CN -> agent-id
	AgentKeyMapHex map[string]string // agent-id -> hex ed25519 public key
}

func (m *UpdateAuthConfigRequest) MarshalWire() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeStringMap(&buf, m.CNAllowlist); err != nil {
		return nil, err
	}
	if err := writeStringMap(&buf, m.AgentKeyMapHex); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UpdateAuthConfigRequest) UnmarshalWire(data []byte) error {
	r := bytes.NewReader(data)
	cn, err := readStringMap(r)
	if err != nil {
		return fmt.Errorf("eventbus: cn_allowlist: %w", err)
	}
	keys, err := readStringMap(r)
	if err != nil {
		return fmt.Errorf("eventbus: agent_key_map: %w", err)
	}
	m.CNAllowlist = cn
	m.AgentKeyMapHex = keys
	return nil
}

// UpdateAuthConfigResponse reports whether the replacement was applied.
type UpdateAuthConfigResponse struct {
	OK    bool
	Error string
}

func (m *UpdateAuthConfigResponse) MarshalWire() ([]byte, error) {
	var buf bytes.Buffer
	ok := byte(0)
	if m.OK {
		ok = 1
	}
	buf.WriteByte(ok)
	errBytes := []byte(m.Error)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(errBytes))); err != nil {
		return nil, err
	}
	buf.Write(errBytes)
	return buf.Bytes(), nil
}

func (m *UpdateAuthConfigResponse) UnmarshalWire(data []byte) error {
	r := bytes.NewReader(data)
	ok, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("eventbus: truncated update_auth_config response: %w", err)
	}
	var errLen uint32
	if err := binary.Read(r, binary.BigEndian, &errLen); err != nil {
		return fmt.Errorf("eventbus: truncated update_auth_config response: %w", err)
	}
	errBytes := make([]byte, errLen)
	if _, err := io.ReadFull(r, errBytes); err != nil {
		return fmt.Errorf("eventbus: truncated update_auth_config error: %w", err)
	}
	m.OK = ok == 1
	m.Error = string(errBytes)
	return nil
}

// writeStringMap writes a nil-distinguishing, length-prefixed encoding of a
// string-to-string map: a -1 count marks nil (leave the table untouched), a
// 0 count marks an explicit empty replacement.
func writeStringMap(buf *bytes.Buffer, m map[string]string) error {
	if m == nil {
		return binary.Write(buf, binary.BigEndian, int32(-1))
	}
	if err := binary.Write(buf, binary.BigEndian, int32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := writeWireString(buf, k); err != nil {
			return err
		}
		if err := writeWireString(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func readStringMap(r *bytes.Reader) (map[string]string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := int32(0); i < n; i++ {
		k, err := readWireString(r)
		if err != nil {
			return nil, err
		}
		v, err := readWireString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func writeWireString(buf *bytes.Buffer, s string) error {
	b := []byte(s)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readWireString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
