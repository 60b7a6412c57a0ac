package llm

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/draftsmith/internal/failure"
)

func startSidecar(t *testing.T, handle func(in *structpb.Struct) (*structpb.Struct, error)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := handle(in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	grpc_health_v1.RegisterHealthServer(srv, health.NewServer())

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCInvoke(t *testing.T) {
	addr := startSidecar(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		f := in.GetFields()
		return structpb.NewStruct(map[string]any{
			"text":          "echo:" + f["user_prompt"].GetStringValue(),
			"finish_reason": "stop",
			"model":         f["model"].GetStringValue(),
		})
	})

	c, err := NewGRPC(Config{GRPCAddr: addr, Model: "local-7b"}, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Health(context.Background()))

	resp, err := c.Invoke(context.Background(), Request{UserPrompt: "hello", MaxTokens: 64, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", resp.Text)
	assert.Equal(t, "local-7b", resp.Model)
}

func TestGRPCUnavailableIsTransient(t *testing.T) {
	addr := startSidecar(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.ResourceExhausted, "queue full")
	})

	c, err := NewGRPC(Config{GRPCAddr: addr}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Invoke(context.Background(), Request{UserPrompt: "x"})
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
}

func TestGRPCInvalidArgumentIsFinal(t *testing.T) {
	addr := startSidecar(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.InvalidArgument, "prompt too long")
	})

	c, err := NewGRPC(Config{GRPCAddr: addr}, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Invoke(context.Background(), Request{UserPrompt: "x"})
	require.Error(t, err)
	assert.False(t, failure.IsRetryable(err))
}
