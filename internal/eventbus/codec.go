package eventbus

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMarshaler is implemented by every request/response message defined in
// wire.go. There is no protoc step in this core (see DESIGN.md); messages
// hand-roll their own wire format on top of pkg/canonical's envelope codec
// and a small ad hoc encoding for the ack, so a custom grpc/encoding.Codec
// is all that is needed to carry them over gRPC's existing HTTP/2 framing.
type wireMarshaler interface {
	MarshalWire() ([]byte, error)
}

type wireUnmarshaler interface {
	UnmarshalWire([]byte) error
}

// codec implements encoding.Codec, registered under the name "proto" so it
// transparently replaces grpc-go's default codec for every call made
// through this core's client and server — no generated stubs required.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMarshaler)
	if !ok {
		return nil, fmt.Errorf("eventbus: codec: %T does not implement MarshalWire", v)
	}
	return m.MarshalWire()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireUnmarshaler)
	if !ok {
		return fmt.Errorf("eventbus: codec: %T does not implement UnmarshalWire", v)
	}
	return m.UnmarshalWire(data)
}

func (codec) Name() string { return "proto" }

// RegisterCodec installs this core's wire codec as the process-wide gRPC
// codec. Call it once at process entry, before dialing or serving.
func RegisterCodec() {
	encoding.RegisterCodec(codec{})
}
