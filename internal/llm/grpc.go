package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/draftsmith/internal/failure"
)

// GenerateMethod is the unary method exposed by the inference sidecar. Requests and
// responses are google.protobuf.Struct values so no generated stubs are required.
const GenerateMethod = "/draftsmith.inference.v1.Inference/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPC calls a model-serving sidecar over gRPC.
type GRPC struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	addr   string
	model  string
	logger *slog.Logger
}

// NewGRPC dials the sidecar and waits for it to become ready.
func NewGRPC(cfg Config, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("grpc inference address missing; set LLM_GRPC_ADDR")
	}

	conn, err := grpc.NewClient(cfg.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", cfg.GRPCAddr, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("inference sidecar at %s not ready: %w", cfg.GRPCAddr, err)
	}

	logger.Info("Connected to inference sidecar", "address", cfg.GRPCAddr)
	return newGRPCFromConn(conn, cfg.GRPCAddr, cfg.Model, logger), nil
}

func newGRPCFromConn(conn *grpc.ClientConn, addr, model string, logger *slog.Logger) *GRPC {
	return &GRPC{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		addr:   addr,
		model:  model,
		logger: logger,
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

func (g *GRPC) Name() string {
	return "grpc-" + g.addr
}

// Close closes the gRPC connection.
func (g *GRPC) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the sidecar's standard health service.
func (g *GRPC) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("inference sidecar status %s", resp.GetStatus())
	}
	return nil
}

func (g *GRPC) Invoke(ctx context.Context, req Request) (*Response, error) {
	in, err := structpb.NewStruct(map[string]any{
		"model":         g.model,
		"system_prompt": req.SystemPrompt,
		"user_prompt":   req.UserPrompt,
		"max_tokens":    req.MaxTokens,
		"temperature":   req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GenerateMethod, in, out); err != nil {
		return nil, classifyGRPC(err)
	}

	fields := out.GetFields()
	text := fields["text"].GetStringValue()
	finish := fields["finish_reason"].GetStringValue()
	if text == "" {
		return nil, failure.ResponseFormat(errors.New("empty text field"), finish == "length",
			"language model returned no output")
	}
	model := fields["model"].GetStringValue()
	if model == "" {
		model = g.model
	}
	return &Response{Text: text, FinishReason: finish, Model: model}, nil
}

func classifyGRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return classifyTransport("grpc", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return failure.Transient(err, "language model service unavailable")
	case codes.DeadlineExceeded:
		return failure.Transient(err, "language model call timed out")
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("grpc inference failed (%s): %w", st.Code(), err)
	}
}
