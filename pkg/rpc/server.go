// Package rpc exposes position queries and anchor configuration over gRPC.
// Messages are google.protobuf.Struct so no generated code is needed.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/logx"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "beacontrack.v1.Positioning"

// Full method names
const (
	QueryMethod     = "/" + ServiceName + "/Query"
	ConfigureMethod = "/" + ServiceName + "/Configure"
)

// PositioningServer is the server API for the Positioning service
type PositioningServer interface {
	Query(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Configure(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Positioning service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PositioningServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Configure", Handler: configureHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beacontrack/v1/positioning.proto",
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PositioningServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PositioningServer).Query(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func configureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PositioningServer).Configure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ConfigureMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PositioningServer).Configure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Positioner is the aggregator as seen by the service
type Positioner interface {
	Configure(anchors []pkg.AnchorConfig, exponent float64) (pkg.Session, error)
	Query() (pkg.PositionEstimate, error)
}

// Service implements PositioningServer on top of the aggregator
type Service struct {
	pos             Positioner
	defaultExponent float64
	logger          *logx.Logger
}

// NewService creates the service
func NewService(pos Positioner, defaultExponent float64, logger *logx.Logger) *Service {
	if defaultExponent <= 0 {
		defaultExponent = pkg.DefaultPathLossExponent
	}
	return &Service{
		pos:             pos,
		defaultExponent: defaultExponent,
		logger:          logger.With("component", "rpc"),
	}
}

// Query returns {"x", "y", "session_id"}
func (s *Service) Query(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	est, err := s.pos.Query()
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"x":          est.X,
		"y":          est.Y,
		"session_id": est.SessionID,
	})
}

// Configure takes {"anchors": [{"id", "x", "y", "reference_power"}], "path_loss_exponent"}
// and returns {"session_id", "anchors"}
func (s *Service) Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	anchors, exponent, err := s.decodeConfigure(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	session, err := s.pos.Configure(anchors, exponent)
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"session_id": session.ID,
		"anchors":    float64(len(session.Anchors)),
	})
}

func (s *Service) decodeConfigure(req *structpb.Struct) ([]pkg.AnchorConfig, float64, error) {
	fields := req.GetFields()

	exponent := s.defaultExponent
	if v, ok := fields["path_loss_exponent"]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, 0, errors.New("path_loss_exponent must be a number")
		}
		exponent = n.NumberValue
	}

	list := fields["anchors"].GetListValue()
	if list == nil {
		return nil, 0, errors.New("anchors must be a list")
	}

	anchors := make([]pkg.AnchorConfig, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, 0, fmt.Errorf("anchors[%d] must be an object", i)
		}
		f := obj.GetFields()

		a := pkg.AnchorConfig{
			ID:             fmt.Sprintf("%d", i+1),
			ReferencePower: pkg.DefaultReferencePower,
		}
		if id, ok := f["id"]; ok {
			a.ID = id.GetStringValue()
		}
		x, okX := number(f["x"])
		y, okY := number(f["y"])
		if !okX || !okY {
			return nil, 0, fmt.Errorf("anchors[%d] needs numeric x and y", i)
		}
		a.Position = pkg.Point{X: x, Y: y}
		if p, ok := f["reference_power"]; ok {
			if a.ReferencePower, ok = number(p); !ok {
				return nil, 0, fmt.Errorf("anchors[%d].reference_power must be a number", i)
			}
		}
		anchors = append(anchors, a)
	}
	return anchors, exponent, nil
}

func number(v *structpb.Value) (float64, bool) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

// toStatus maps pipeline errors to gRPC codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, pkg.ErrNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, pkg.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pkg.ErrInsufficientAnchor):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// loggingInterceptor logs every call at debug level and failures at warn
func loggingInterceptor(logger *logx.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("RPC failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err)
		} else {
			logger.Debug("RPC served", "method", info.FullMethod, "duration_ms", time.Since(start).Milliseconds())
		}
		return resp, err
	}
}

// NewGRPCServer returns a grpc.Server with the service registered
func (s *Service) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(loggingInterceptor(s.logger))}, opts...)
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, s)
	return srv
}

// Serve serves on lis until ctx is done
func (s *Service) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewGRPCServer()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gRPC server", "address", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("grpc server: %w", err)
	case <-ctx.Done():
		s.logger.Info("Stopping gRPC server")
		srv.GracefulStop()
		return nil
	}
}

// Run listens on port and serves until ctx is done
func (s *Service) Run(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}
