// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grpcnet implements a collective.Transport for one process per rank, connected with gRPC.
//
// Every process serves the peer service on its own address, and the list of addresses of all
// processes (indexed by world rank) is known upfront -- e.g.: given by the launcher with the
// --peers flag or the PEERS environment variable. Connections are established lazily, and a
// delivery to a peer that is not up yet waits for it: there are no timeouts.
package grpcnet

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/gomlx/parallelisms/pkg/collective"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

// MaxMessageSize is the largest payload, in bytes, sent or accepted in one delivery. A whole
// layer shard travels in a single message, so it is well above gRPC's 4 MiB default.
var MaxMessageSize = math.MaxInt32

// AbortNotifyTimeout bounds how long Abort tries to notify each peer.
var AbortNotifyTimeout = 2 * time.Second

// Transport is the collective.Transport of one process.
type Transport struct {
	rank    int
	peers   []string
	worldID string
	mailbox *collective.Mailbox

	listener net.Listener
	server   *grpc.Server

	mu    sync.Mutex
	conns []*grpc.ClientConn
}

var (
	_ collective.Transport = (*Transport)(nil)
	_ peerService          = (*Transport)(nil)
)

// Listen creates the transport for the given rank, listening on peers[rank].
func Listen(rank int, peers []string) (*Transport, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("grpcnet: rank %d out of range for %d peers", rank, len(peers))
	}
	listener, err := net.Listen("tcp", peers[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "grpcnet: rank %d failed to listen on %q", rank, peers[rank])
	}
	return Serve(rank, peers, listener)
}

// Serve creates the transport for the given rank, serving on an already open listener.
// peers[rank] is only informative in this case.
func Serve(rank int, peers []string, listener net.Listener) (*Transport, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("grpcnet: rank %d out of range for %d peers", rank, len(peers))
	}
	t := &Transport{
		rank:     rank,
		peers:    peers,
		worldID:  worldIDOf(peers),
		mailbox:  collective.NewMailbox(),
		listener: listener,
		server:   grpc.NewServer(grpc.MaxRecvMsgSize(MaxMessageSize), grpc.MaxSendMsgSize(MaxMessageSize)),
		conns:    make([]*grpc.ClientConn, len(peers)),
	}
	t.server.RegisterService(&peerServiceDesc, t)
	go func() {
		if err := t.server.Serve(listener); err != nil {
			klog.Errorf("grpcnet: rank %d server stopped: %v", rank, err)
		}
	}()
	klog.V(1).Infof("grpcnet: rank %d of %d serving on %s (world %s)", rank, len(peers), listener.Addr(), t.worldID)
	return t, nil
}

// Rank implements collective.Transport.
func (t *Transport) Rank() int { return t.rank }

// Size implements collective.Transport.
func (t *Transport) Size() int { return len(t.peers) }

// Mailbox implements collective.Transport.
func (t *Transport) Mailbox() *collective.Mailbox { return t.mailbox }

// Addr is the address the transport is serving on.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// conn returns the (lazily created) connection to the peer dst.
func (t *Transport) conn(dst int) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[dst] != nil {
		return t.conns[dst], nil
	}
	conn, err := grpc.NewClient(t.peers[dst],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(MaxMessageSize), grpc.MaxCallRecvMsgSize(MaxMessageSize)))
	if err != nil {
		return nil, errors.Wrapf(err, "grpcnet: connecting to rank %d at %q", dst, t.peers[dst])
	}
	t.conns[dst] = conn
	return conn, nil
}

// Deliver implements collective.Transport.
func (t *Transport) Deliver(ctx context.Context, dst int, env *collective.Envelope) error {
	if dst < 0 || dst >= len(t.peers) {
		return errors.Errorf("grpcnet: destination rank %d out of range [0, %d)", dst, len(t.peers))
	}
	if t.mailbox.Aborted() {
		return errors.WithMessagef(collective.ErrAborted, "grpcnet: rank %d can't deliver", t.rank)
	}
	if dst == t.rank {
		delivered := *env
		delivered.Data = append([]float32(nil), env.Data...)
		t.mailbox.Put(&delivered)
		return nil
	}
	return t.invoke(ctx, dst, env, grpc.WaitForReady(true))
}

func (t *Transport) invoke(ctx context.Context, dst int, env *collective.Envelope, opts ...grpc.CallOption) error {
	conn, err := t.conn(dst)
	if err != nil {
		return err
	}
	payload := wrapperspb.Bytes(encodeFloats(env.Data))
	err = conn.Invoke(outgoingContext(ctx, t.worldID, env), deliverMethod, payload, new(emptypb.Empty), opts...)
	return errors.Wrapf(err, "grpcnet: delivering %s to rank %d", env.Key(), dst)
}

// deliver implements peerService.
func (t *Transport) deliver(ctx context.Context, payload *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := incomingEnvelope(ctx, t.worldID, payload)
	if err != nil {
		return nil, err
	}
	if env.Tag == collective.TagAbort {
		t.mailbox.Abort(errors.Errorf("aborted by rank %d", env.Source))
		return &emptypb.Empty{}, nil
	}
	t.mailbox.Put(env)
	return &emptypb.Empty{}, nil
}

// Abort implements collective.Transport: it aborts the local mailbox and notifies every peer,
// without waiting for peers that are not reachable for more than AbortNotifyTimeout.
func (t *Transport) Abort(cause error) {
	if t.mailbox.Aborted() {
		return
	}
	t.mailbox.Abort(cause)
	var wg sync.WaitGroup
	for dst := range t.peers {
		dst := dst
		if dst == t.rank {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), AbortNotifyTimeout)
			defer cancel()
			env := &collective.Envelope{CommID: collective.WorldID, Source: t.rank, Tag: collective.TagAbort}
			if err := t.invoke(ctx, dst, env); err != nil {
				klog.V(1).Infof("grpcnet: failed to notify rank %d of abort: %v", dst, err)
			}
		}()
	}
	wg.Wait()
}

// Close stops the server and closes the connections to the peers.
func (t *Transport) Close() error {
	t.server.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for dst, conn := range t.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "grpcnet: closing connection to rank %d", dst)
		}
		t.conns[dst] = nil
	}
	return firstErr
}
