package rpc

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/service"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "egress.Egress"

// Server exposes a service.Egress over gRPC
type Server struct {
	service.Egress
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewServer wraps svc. m may be nil.
func NewServer(svc service.Egress, m *metrics.Metrics, log *logrus.Entry) *Server {
	return &Server{Egress: svc, metrics: m, log: logging.Or(log)}
}

// Register adds the egress service to g
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*service.Egress)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartRoomCompositeEgress", service.Egress.StartRoomCompositeEgress),
		unary("StartTrackCompositeEgress", service.Egress.StartTrackCompositeEgress),
		unary("StartTrackEgress", service.Egress.StartTrackEgress),
		unary("UpdateLayout", service.Egress.UpdateLayout),
		unary("UpdateStream", service.Egress.UpdateStream),
		unary("ListEgress", service.Egress.ListEgress),
		unary("StopEgress", service.Egress.StopEgress),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "egress.proto",
}

// unary builds the method descriptor of one RPC
func unary[Req any, Resp any](method string, call func(service.Egress, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			s := srv.(*Server)
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
			}
			handler := func(ctx context.Context, r any) (any, error) {
				return s.invoke(ctx, method, func() (any, error) {
					return call(s.Egress, ctx, r.(*Req))
				})
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, req, info, handler)
		},
	}
}

func (s *Server) invoke(ctx context.Context, method string, call func() (any, error)) (any, error) {
	start := time.Now()
	resp, err := call()
	code := Code(err)
	s.metrics.ObserveRequest(method, codeLabel(code))

	log := s.log.WithFields(logrus.Fields{
		"method":   method,
		"code":     code.String(),
		"duration": time.Since(start).String(),
	})
	if name := auth.KeyName(ctx); name != "" {
		log = log.WithField("api_key", name)
	}
	if err != nil {
		if code == codes.Internal {
			log.WithError(err).Error("RPC failed")
		} else {
			log.WithError(err).Debug("RPC rejected")
		}
		return nil, toStatus(err)
	}
	log.Debug("RPC served")
	return resp, nil
}

// AuthInterceptor requires a valid API key in the authorization metadata
func AuthInterceptor(keys *auth.KeySet, log *logrus.Entry) grpc.UnaryServerInterceptor {
	log = logging.Or(log)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
		}
		token, ok := strings.CutPrefix(values[0], "Bearer ")
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization metadata")
		}
		name, err := keys.Validate(token)
		if err != nil {
			log.WithField("method", info.FullMethod).Warn("Rejected invalid API key")
			return nil, status.Error(codes.Unauthenticated, "invalid API key")
		}
		return handler(auth.WithKeyName(ctx, name), req)
	}
}

// NewGRPCServer builds a server with the egress service registered. A nil
// or empty key set leaves the service open.
func NewGRPCServer(s *Server, keys *auth.KeySet, opts ...grpc.ServerOption) *grpc.Server {
	if keys != nil && keys.Len() > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(AuthInterceptor(keys, s.log)))
	}
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}
