package spine

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xiaoland/beluna-core/internal/codec"
	"github.com/xiaoland/beluna-core/internal/coreerr"
)

// #region service-desc

const (
	serviceName           = "beluna.spine.v1.Spine"
	executeAdmittedMethod = "/" + serviceName + "/ExecuteAdmitted"
)

// spineServer is the service contract registered with grpc.
type spineServer interface {
	ExecuteAdmitted(ctx context.Context, batch *AdmittedActionBatch) (*SpineExecutionReport, error)
}

func executeAdmittedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AdmittedActionBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(spineServer).ExecuteAdmitted(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeAdmittedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(spineServer).ExecuteAdmitted(ctx, req.(*AdmittedActionBatch))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the dispatch service. Messages travel as CBOR, so
// servers must be created with ServerOptions.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*spineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteAdmitted", Handler: executeAdmittedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beluna/spine/v1",
}

// #endregion service-desc

// #region server

// Server exposes a local Port over gRPC.
type Server struct {
	port   Port
	logger *slog.Logger
}

// ServerOptions returns the grpc.ServerOption set required by Server.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(codec.GRPC{})}
}

// RegisterServer registers port on s and returns the wrapping Server.
func RegisterServer(s *grpc.Server, port Port, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{port: port, logger: logger}
	s.RegisterService(&ServiceDesc, srv)
	return srv
}

// ExecuteAdmitted runs the batch on the wrapped port.
func (s *Server) ExecuteAdmitted(ctx context.Context, batch *AdmittedActionBatch) (*SpineExecutionReport, error) {
	s.logger.Info("execute admitted", "cycle", batch.CycleID, "actions", len(batch.Actions))
	report, err := s.port.ExecuteAdmitted(ctx, *batch)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "spine.execute_admitted", "port failed", err)
	}
	return &report, nil
}

// #endregion server

// #region client

// Client is a Port backed by a remote dispatch server.
type Client struct {
	conn *grpc.ClientConn
	owns bool
}

// NewClient connects to the dispatch server at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec.GRPC{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, owns: true}, nil
}

// NewClientConn wraps an existing connection. The caller keeps ownership
// and must have configured the CBOR codec on it.
func NewClientConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close shuts down the gRPC connection if the client created it.
func (c *Client) Close() error {
	if !c.owns {
		return nil
	}
	return c.conn.Close()
}

// ExecuteAdmitted implements Port.
func (c *Client) ExecuteAdmitted(ctx context.Context, batch AdmittedActionBatch) (SpineExecutionReport, error) {
	if len(batch.Actions) == 0 {
		return SkippedReport(), nil
	}
	var out SpineExecutionReport
	if err := c.conn.Invoke(ctx, executeAdmittedMethod, &batch, &out, grpc.ForceCodec(codec.GRPC{})); err != nil {
		return SpineExecutionReport{}, coreerr.FromStatus("spine.execute_admitted", err)
	}
	if out.Mode == "" {
		out.Mode = ModeRemote
	}
	return out, nil
}

// #endregion client
