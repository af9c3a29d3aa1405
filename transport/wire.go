package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/relay"
)

// Hand-rolled service descriptors in generated-code shape. The wire
// format is CBOR (see codec.go), so no protobuf definitions exist to
// generate from.

// DeliverRequest carries one envelope to its target's host process.
type DeliverRequest struct {
	Envelope *envelope.Envelope `cbor:"1,keyasint"`
}

// DeliverResponse acknowledges receipt. Admission failures that must
// stay invisible on the wire (replays) still acknowledge.
type DeliverResponse struct {
	Accepted bool `cbor:"1,keyasint"`
}

// PushRequest enqueues an envelope at a mailbox relay.
type PushRequest struct {
	Envelope *envelope.Envelope `cbor:"1,keyasint"`
}

// PushResponse acknowledges the enqueue.
type PushResponse struct {
	Accepted bool `cbor:"1,keyasint"`
}

// PullRequest asks for everything queued for Agent past Cursor,
// acknowledging everything at or before it.
type PullRequest struct {
	Agent  string `cbor:"1,keyasint"`
	Cursor uint64 `cbor:"2,keyasint"`
}

// PullResponse returns queued envelopes in enqueue order plus the
// cursor to pass on the next pull.
type PullResponse struct {
	Envelopes []*envelope.Envelope `cbor:"1,keyasint,omitempty"`
	Next      uint64               `cbor:"2,keyasint"`
}

// StatusRequest asks for expiry notices on envelopes Sender pushed.
type StatusRequest struct {
	Sender string `cbor:"1,keyasint"`
}

// StatusResponse returns accumulated notices, clearing them.
type StatusResponse struct {
	Notices []relay.Notice `cbor:"1,keyasint,omitempty"`
}

// CourierClient is the client interface for direct delivery.
type CourierClient interface {
	Deliver(ctx context.Context, in *DeliverRequest, opts ...grpc.CallOption) (*DeliverResponse, error)
}

type courierClient struct {
	cc grpc.ClientConnInterface
}

// NewCourierClient creates a CourierClient over an established
// connection.
func NewCourierClient(cc grpc.ClientConnInterface) CourierClient {
	return &courierClient{cc}
}

func (c *courierClient) Deliver(ctx context.Context, in *DeliverRequest, opts ...grpc.CallOption) (*DeliverResponse, error) {
	out := new(DeliverResponse)
	err := c.cc.Invoke(ctx, "/agentwire.Courier/Deliver", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CourierServer is the server interface for direct delivery.
type CourierServer interface {
	Deliver(context.Context, *DeliverRequest) (*DeliverResponse, error)
}

func _Courier_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeliverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CourierServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentwire.Courier/Deliver",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CourierServer).Deliver(ctx, req.(*DeliverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterCourierServer registers a CourierServer with gRPC.
func RegisterCourierServer(s grpc.ServiceRegistrar, srv CourierServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "agentwire.Courier",
		HandlerType: (*CourierServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Deliver",
				Handler:    _Courier_Deliver_Handler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}, srv)
}

// MailboxClient is the client interface for the relay API.
type MailboxClient interface {
	Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error)
	Pull(ctx context.Context, in *PullRequest, opts ...grpc.CallOption) (*PullResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type mailboxClient struct {
	cc grpc.ClientConnInterface
}

// NewMailboxClient creates a MailboxClient over an established
// connection.
func NewMailboxClient(cc grpc.ClientConnInterface) MailboxClient {
	return &mailboxClient{cc}
}

func (c *mailboxClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	out := new(PushResponse)
	err := c.cc.Invoke(ctx, "/agentwire.Mailbox/Push", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mailboxClient) Pull(ctx context.Context, in *PullRequest, opts ...grpc.CallOption) (*PullResponse, error) {
	out := new(PullResponse)
	err := c.cc.Invoke(ctx, "/agentwire.Mailbox/Pull", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mailboxClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	err := c.cc.Invoke(ctx, "/agentwire.Mailbox/Status", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MailboxServer is the server interface for the relay API.
type MailboxServer interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	Pull(context.Context, *PullRequest) (*PullResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

func _Mailbox_Push_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentwire.Mailbox/Push",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MailboxServer).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Mailbox_Pull_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PullRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServer).Pull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentwire.Mailbox/Pull",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MailboxServer).Pull(ctx, req.(*PullRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Mailbox_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/agentwire.Mailbox/Status",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MailboxServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterMailboxServer registers a MailboxServer with gRPC.
func RegisterMailboxServer(s grpc.ServiceRegistrar, srv MailboxServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "agentwire.Mailbox",
		HandlerType: (*MailboxServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Push",
				Handler:    _Mailbox_Push_Handler,
			},
			{
				MethodName: "Pull",
				Handler:    _Mailbox_Pull_Handler,
			},
			{
				MethodName: "Status",
				Handler:    _Mailbox_Status_Handler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}, srv)
}
