package auth

import (
	"context"
	"fmt"
	"time"

	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// VerifyMethod is the full gRPC method name of the token verification RPC.
// Request and response are google.protobuf.Struct values: the request carries
// "access_token", the response "valid", "user_id", "username" and
// "error_message".
const VerifyMethod = "/realtime.auth.v1.TokenVerifier/Verify"

const defaultGRPCTimeout = 3 * time.Second

// GRPCVerifier delegates token validation to the auth service.
type GRPCVerifier struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCVerifier creates a verifier talking to the auth service at address.
func NewGRPCVerifier(address string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCVerifier, error) {
	if timeout <= 0 {
		timeout = defaultGRPCTimeout
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(pkglog.UnaryClientInterceptor(pkglog.L())),
	}, opts...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to auth service: %w", err)
	}
	return &GRPCVerifier{conn: conn, timeout: timeout}, nil
}

// Verify implements Verifier.
func (v *GRPCVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, failure("missing token", nil)
	}

	req, err := structpb.NewStruct(map[string]interface{}{"access_token": token})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := v.conn.Invoke(ctx, VerifyMethod, req, resp); err != nil {
		return nil, failure("auth service unavailable", err)
	}

	fields := resp.GetFields()
	if !fields["valid"].GetBoolValue() {
		return nil, failure("token rejected", fmt.Errorf("%s", fields["error_message"].GetStringValue()))
	}
	userID := fields["user_id"].GetStringValue()
	if userID == "" {
		return nil, failure("token has no subject", nil)
	}
	return &Identity{UserID: userID, Username: fields["username"].GetStringValue()}, nil
}

// Close closes the gRPC connection.
func (v *GRPCVerifier) Close() error {
	if v.conn != nil {
		return v.conn.Close()
	}
	return nil
}

// TokenVerifierServer is implemented by services answering VerifyMethod.
type TokenVerifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTokenVerifierServer registers srv on s under VerifyMethod.
func RegisterTokenVerifierServer(s *grpc.Server, srv TokenVerifierServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "realtime.auth.v1.TokenVerifier",
		HandlerType: (*TokenVerifierServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Verify",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(TokenVerifierServer).Verify(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyMethod}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(TokenVerifierServer).Verify(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		}},
		Streams: []grpc.StreamDesc{},
	}, srv)
}
