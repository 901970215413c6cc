package eventbus

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
	errcodes "github.com/Ap3pp3rs94/telemetry-core/pkg/errors"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/telemetry"
)

// Clock lets tests substitute a fixed ingestion time; defaults to time.Now.
type Clock func() time.Time

// Server implements the EventBus RPC pipeline as a linear state machine:
// RECEIVED -> AUTHED -> ADMITTED -> VALIDATED -> VERIFIED -> DEDUPED ->
// PERSISTED -> ACK, with every stage able to short-circuit to a terminal
// ack.
type Server struct {
	Admission        *Admission
	Dedup            *Dedup
	Auth             *AuthTable
	Store            EventStore
	MaxEnvelopeBytes int
	Metrics          *telemetry.Metrics
	Logger           *telemetry.Logger
	Now              Clock
}

// NewServer wires a Server from its already-constructed collaborators. None
// of them are package-level globals — every dependency is passed in
// explicitly so a process can run more than one Server with distinct config.
func NewServer(admission *Admission, dedup *Dedup, auth *AuthTable, store EventStore, maxEnvelopeBytes int, metrics *telemetry.Metrics, logger *telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Server{
		Admission:        admission,
		Dedup:            dedup,
		Auth:             auth,
		Store:            store,
		MaxEnvelopeBytes: maxEnvelopeBytes,
		Metrics:          metrics,
		Logger:           logger,
		Now:              time.Now,
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func peerCN(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", false
	}
	return PeerCommonName(tlsInfo.State)
}

// Publish implements the full admission/validation/verification/dedup/
// persistence pipeline. It never returns a non-nil error for a business
// outcome — every business outcome is an ack.Ack; a non-nil error means an
// internal failure the client will see as a transport-level no-ack.
func (s *Server) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	env := req.Envelope

	// 1. Authentication.
	cn, ok := peerCN(ctx)
	if !ok {
		return s.deny(ack.UNAUTHORIZED, "no verified peer identity"), nil
	}
	identity, ok := s.Auth.Authenticate(cn)
	if !ok {
		return s.deny(ack.UNAUTHORIZED, "cn not in allowlist"), nil
	}

	// 2. Admission control.
	leave, ok := s.Admission.Enter()
	if !ok {
		return s.retry(s.Admission.BackoffHintMs(), "admission overloaded"), nil
	}
	defer leave()
	s.observeAttempted()
	if s.Metrics != nil {
		s.Metrics.BrokerInflight.Set(float64(s.Admission.Inflight()))
		defer s.Metrics.BrokerInflight.Set(float64(s.Admission.Inflight()))
	}

	// 3. Size & structural validation.
	raw, err := env.Marshal()
	if err != nil || len(raw) > s.MaxEnvelopeBytes {
		return s.invalid("envelope too large or unmarshalable"), nil
	}
	if err := env.ValidateStructure(); err != nil {
		return s.invalid(err.Error()), nil
	}

	// 4. Signature verification. The CN-to-key map is separate from the CN
	// allowlist so key rotation never touches authorization and vice versa.
	pub, ok := s.Auth.KeyFor(identity.AgentID)
	if !ok {
		return s.deny(ack.UNAUTHORIZED, "no signing key registered for agent"), nil
	}
	if !canonical.Verify(env, pub) {
		return s.invalid("signature verification failed"), nil
	}

	// 5. Deduplication.
	key := env.IdempotencyKey
	if s.Dedup.Contains(key) {
		if s.Metrics != nil {
			s.Metrics.BrokerDedupHits.Inc()
		}
		return s.ok(), nil
	}
	reserved := s.Dedup.Reserve(key)
	if !reserved {
		// Lost the race to a concurrent identical publish; the other copy
		// owns persistence. Treat as a dedup hit.
		if s.Metrics != nil {
			s.Metrics.BrokerDedupHits.Inc()
		}
		return s.ok(), nil
	}

	// 6. Persistence. TelemetryBatch is one payload variant like any other —
	// it is never unpacked or collapsed — but its item count is recorded as
	// a queryable attribute so downstream readers can filter batches by
	// size without unmarshaling bytes.
	persisted, err := s.Store.Persist(ctx, key, raw, s.now(), persistAttrs(env))
	if err != nil {
		// Roll back the reservation so a client retry of the identical
		// envelope is not shadowed by a dead reservation. A structural
		// conflict is INVALID; every other failure is treated as transient.
		s.Dedup.Rollback(key)
		fields := map[string]any{"err": err.Error()}
		if code, ok := CodeOf(err); ok {
			fields["code"] = string(code)
			if meta, ok := errcodes.Meta(code); ok {
				fields["http_status"] = meta.HTTPStatus
			}
		}
		s.Logger.Warn("persist failed", fields)
		if errors.Is(err, ErrConflict) {
			return s.invalid("event store rejected envelope"), nil
		}
		return s.retry(0, "event store unavailable"), nil
	}
	if persisted && s.Metrics != nil {
		s.Metrics.BrokerPersisted.Inc()
	}
	return s.ok(), nil
}

// Health reports coarse readiness over gRPC: Ready is false while overload
// mode is on. The fuller health snapshot is served separately over the HTTP
// side-channel (pkg/telemetry.Health).
func (s *Server) Health(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Ready: !s.Admission.OverloadMode()}, nil
}

// persistAttrs computes the side-channel attributes recorded alongside a
// persisted envelope's raw bytes. Only TelemetryBatch currently has
// anything worth recording.
func persistAttrs(env canonical.Envelope) map[string]string {
	if env.Payload.Kind != canonical.PayloadBatch || env.Payload.Batch == nil {
		return nil
	}
	return map[string]string{"batch_size": strconv.Itoa(len(env.Payload.Batch.Items))}
}

func (s *Server) observeAttempted() {
	if s.Metrics != nil {
		s.Metrics.PublishAttempted.WithLabelValues("broker").Inc()
	}
}

func (s *Server) ok() *PublishResponse {
	if s.Metrics != nil {
		s.Metrics.PublishOK.Inc()
	}
	return &PublishResponse{Ack: ack.Ack{Status: ack.OK}}
}

func (s *Server) retry(backoffMs uint32, reason string) *PublishResponse {
	if s.Metrics != nil {
		s.Metrics.PublishRetry.Inc()
	}
	return &PublishResponse{Ack: ack.Ack{Status: ack.RETRY, BackoffHintMs: backoffMs, Reason: reason}}
}

func (s *Server) invalid(reason string) *PublishResponse {
	if s.Metrics != nil {
		s.Metrics.PublishInvalid.Inc()
	}
	return &PublishResponse{Ack: ack.Ack{Status: ack.INVALID, Reason: reason}}
}

func (s *Server) deny(status ack.Status, reason string) *PublishResponse {
	if s.Metrics != nil {
		s.Metrics.PublishUnauthorized.Inc()
	}
	return &PublishResponse{Ack: ack.Ack{Status: status, Reason: reason}}
}

// EventBusServer is the interface grpc's generated-stub-free ServiceDesc
// dispatches to.
type EventBusServer interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
	UpdateAuthConfig(ctx context.Context, req *UpdateAuthConfigRequest) (*UpdateAuthConfigResponse, error)
}

// UpdateAuthConfig hot-swaps the CN allowlist and/or the agent signing-key
// map without restarting the broker. A nil map in the request leaves the
// corresponding table untouched, so an operator can rotate a compromised
// agent's key without re-sending the (possibly large) CN allowlist, and
// vice versa. Mutual TLS already requires the caller to present a
// certificate chained to the deployment CA; this RPC does not layer any
// additional authorization on top of that.
func (s *Server) UpdateAuthConfig(ctx context.Context, req *UpdateAuthConfigRequest) (*UpdateAuthConfigResponse, error) {
	if req.CNAllowlist != nil {
		if err := s.Auth.ReplaceAllowlist(req.CNAllowlist); err != nil {
			return &UpdateAuthConfigResponse{OK: false, Error: err.Error()}, nil
		}
	}
	if req.AgentKeyMapHex != nil {
		if err := s.Auth.ReplaceKeyMap(req.AgentKeyMapHex); err != nil {
			return &UpdateAuthConfigResponse{OK: false, Error: err.Error()}, nil
		}
	}
	s.Logger.Info("auth config updated", map[string]any{
		"cn_allowlist_replaced": req.CNAllowlist != nil,
		"agent_key_map_replaced": req.AgentKeyMapHex != nil,
	})
	return &UpdateAuthConfigResponse{OK: true}, nil
}

func _EventBus_Publish_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/telemetrycore.EventBus/Publish"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _EventBus_Health_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/telemetrycore.EventBus/Health"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _EventBus_UpdateAuthConfig_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateAuthConfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).UpdateAuthConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/telemetrycore.EventBus/UpdateAuthConfig"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).UpdateAuthConfig(ctx, req.(*UpdateAuthConfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of a protoc-generated
// _ServiceDesc: no .proto file or generated stub exists in this core (see
// DESIGN.md); the wire format is carried by codec.go's registered "proto"
// Codec instead of generated Marshal/Unmarshal methods.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "telemetrycore.EventBus",
	HandlerType: (*EventBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: _EventBus_Publish_Handler},
		{MethodName: "Health", Handler: _EventBus_Health_Handler},
		{MethodName: "UpdateAuthConfig", Handler: _EventBus_UpdateAuthConfig_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eventbus.proto",
}

// RegisterEventBusServer registers srv against a *grpc.Server using the
// hand-written ServiceDesc above.
func RegisterEventBusServer(s *grpc.Server, srv EventBusServer) {
	s.RegisterService(&ServiceDesc, srv)
}
