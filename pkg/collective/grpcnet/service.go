// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grpcnet

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The peer service has a single unary method, Deliver, taking the payload as a
// google.protobuf.BytesValue and the envelope header as gRPC metadata. Using the
// well-known types means no generated code is needed.
const (
	serviceName   = "parallelisms.collective.Peer"
	deliverMethod = "/" + serviceName + "/Deliver"

	mdWorldID = "x-world-id"
	mdCommID  = "x-comm-id"
	mdSource  = "x-source"
	mdTag     = "x-tag"
)

// peerService is implemented by the Transport to receive deliveries.
type peerService interface {
	deliver(ctx context.Context, payload *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Metadata: "grpcnet/service.go",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerService).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerService).deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// worldIDOf returns an identifier of the world formed by the peers: a name-based (SHA-1) UUID of the
// list of addresses. Processes started with a different list of peers don't accept each other's messages.
func worldIDOf(peers []string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("grpcnet:"+strings.Join(peers, ","))).String()
}

// outgoingContext attaches the envelope header to the context of the Deliver call.
func outgoingContext(ctx context.Context, worldID string, env *collective.Envelope) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		mdWorldID, worldID,
		mdCommID, env.CommID,
		mdSource, strconv.Itoa(env.Source),
		mdTag, strconv.Itoa(int(env.Tag)))
}

// incomingEnvelope rebuilds the envelope from the metadata and payload of a Deliver call.
// It fails with codes.FailedPrecondition if the sender belongs to a different world.
func incomingEnvelope(ctx context.Context, worldID string, payload *wrapperspb.BytesValue) (*collective.Envelope, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing envelope metadata")
	}
	get := func(key string) (string, error) {
		values := md.Get(key)
		if len(values) != 1 {
			return "", status.Errorf(codes.InvalidArgument, "metadata %q must have exactly one value, got %d", key, len(values))
		}
		return values[0], nil
	}
	senderWorldID, err := get(mdWorldID)
	if err != nil {
		return nil, err
	}
	if senderWorldID != worldID {
		return nil, status.Errorf(codes.FailedPrecondition, "message from world %s, this is world %s", senderWorldID, worldID)
	}
	commID, err := get(mdCommID)
	if err != nil {
		return nil, err
	}
	sourceStr, err := get(mdSource)
	if err != nil {
		return nil, err
	}
	tagStr, err := get(mdTag)
	if err != nil {
		return nil, err
	}
	source, err := strconv.Atoi(sourceStr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid source %q", sourceStr)
	}
	tag, err := strconv.Atoi(tagStr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tag %q", tagStr)
	}
	data, err := decodeFloats(payload.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &collective.Envelope{CommID: commID, Source: source, Tag: collective.Tag(tag), Data: data}, nil
}

// encodeFloats serializes values as little-endian IEEE-754 float32.
func encodeFloats(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Errorf("payload of %d bytes is not a multiple of 4", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return values, nil
}
