package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/registry"
	"github.com/alfredjeanlab/beacon/internal/ws"
)

// Feed service names.
const (
	FeedServiceName     = "beacon.v1.Feed"
	FeedSubscribeMethod = "/" + FeedServiceName + "/Subscribe"
)

// FeedStreamDesc describes the server-streaming Subscribe call for clients.
// The request is google.protobuf.Empty; every response is a
// google.protobuf.Struct holding the same object WebSocket subscribers get.
var FeedStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// feedServer is the service implementation type checked by grpc.RegisterService.
type feedServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: FeedServiceName,
	HandlerType: (*feedServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    FeedStreamDesc.StreamName,
		Handler:       feedSubscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "beacon/v1/feed.proto",
}

func feedSubscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(feedServer).Subscribe(in, stream)
}

// GRPCServer bundles the gRPC server with its health service so shutdown
// can flip health to NOT_SERVING before draining streams.
type GRPCServer struct {
	*grpc.Server
	Health *health.Server
}

// NewGRPCServer creates a gRPC server with standard interceptors,
// registers the Feed service, health and reflection.
func NewGRPCServer(s *Server) *GRPCServer {
	srv := grpc.NewServer(
		// Feed streams are long-lived. Pings find peers whose transport
		// has died without a FIN.
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    ws.DefaultPingInterval,
			Timeout: s.streamWriteWait(),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			unaryRecovery(s.logger),
			unaryLogging(s.logger),
		),
		grpc.ChainStreamInterceptor(
			streamRecovery(s.logger),
			streamLogging(s.logger),
		),
	)

	srv.RegisterService(&feedServiceDesc, &feedService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(FeedServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	reflection.Register(srv)

	return &GRPCServer{Server: srv, Health: hs}
}

type feedService struct {
	s *Server
}

// Subscribe registers the stream as a subscriber, sends the acknowledgment
// and then relays broadcasts until the client leaves or the server closes it.
func (f *feedService) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	s := f.s
	c := newQueueConn()
	id, err := s.registry.Register(c)
	if err != nil {
		return status.Error(codes.Unavailable, "server shutting down")
	}
	log := s.logger.With("conn_id", id, "transport", "grpc")
	defer func() {
		c.markClosing()
		s.registry.Unregister(id)
		_ = c.Close()
		log.Info("subscriber disconnected")
	}()

	ack, err := json.Marshal(model.NewAck(id))
	if err != nil {
		return status.Errorf(codes.Internal, "encode ack: %v", err)
	}
	if err := sendStruct(stream, ack); err != nil {
		return err
	}
	log.Info("subscriber connected")

	ctx := stream.Context()
	relayed := make(chan error, 1)
	go func() { relayed <- relay(ctx, stream, c) }()

	select {
	case <-ctx.Done():
		// SendMsg returns once the stream context ends.
		<-relayed
		return nil
	case err := <-relayed:
		if err != nil {
			log.Warn("grpc send failed, dropping subscriber", "err", err)
		}
		return err
	case <-c.done:
	}

	if c.Stalled() {
		// The relay is stuck behind flow control. Returning ends the
		// stream, which cancels its context and unblocks SendMsg.
		log.Warn("dropping stalled subscriber")
		return status.Error(codes.ResourceExhausted, "subscriber not keeping up")
	}
	select {
	case <-relayed:
	case <-time.After(s.streamWriteWait()):
	}
	return nil
}

// relay writes queued messages to the stream until the connection closes
// or the stream ends. It is the only goroutine that calls SendMsg.
func relay(ctx context.Context, stream grpc.ServerStream, c *queueConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case msg := <-c.ch:
			if c.State() != registry.StateOpen {
				return nil
			}
			if err := sendStruct(stream, msg); err != nil {
				return err
			}
		}
	}
}

// sendStruct converts an encoded message to a Struct and sends it.
func sendStruct(stream grpc.ServerStream, msg []byte) error {
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(msg, st); err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("convert message: %v", err))
	}
	return stream.SendMsg(st)
}
