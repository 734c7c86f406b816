package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/report"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service exposed by the NLP service.
// Requests and responses are google.protobuf.Struct messages.
const ServiceName = "intake.nlp.v1.NLPService"

// Unary method names of ServiceName.
const (
	MethodClassifyClaimCategory = "ClassifyClaimCategory"
	MethodSubmitMessage         = "SubmitMessage"
	MethodGetStatistics         = "GetStatistics"
	MethodPredict               = "Predict"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed nlp response")
)

// GrpcClient provides a gRPC client to the NLP service.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults (used by tests for in-memory dialers).
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a new gRPC client to the NLP service and waits until
// the connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nlp service at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("nlp service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to NLP service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
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

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		c.logger.Error("NLP request failed", "method", method, "error", err)
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return nil, fmt.Errorf("%s request failed: %w: %w", method, ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	return out.AsMap(), nil
}

// ClassifyClaimCategory classifies the claim described by a user message.
func (c *GrpcClient) ClassifyClaimCategory(ctx context.Context, conversationID int64, message string) (*TurnResult, error) {
	return c.turn(ctx, MethodClassifyClaimCategory, conversationID, message)
}

// SubmitMessage extracts the value of the current fact from a user message.
func (c *GrpcClient) SubmitMessage(ctx context.Context, conversationID int64, message string) (*TurnResult, error) {
	return c.turn(ctx, MethodSubmitMessage, conversationID, message)
}

func (c *GrpcClient) turn(ctx context.Context, method string, conversationID int64, message string) (*TurnResult, error) {
	c.logger.Debug("NLP turn request", "method", method, "conversation_id", conversationID)

	resp, err := c.invoke(ctx, method, map[string]any{
		"conversation_id": float64(conversationID),
		"message":         message,
	})
	if err != nil {
		return nil, err
	}
	return decodeTurn(resp)
}

// Statistics returns the ML model's training statistics.
func (c *GrpcClient) Statistics(ctx context.Context) (*report.Statistics, error) {
	resp, err := c.invoke(ctx, MethodGetStatistics, map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeStatistics(resp)
}

// Predict predicts outcomes for a conversation and retrieves similar precedents.
func (c *GrpcClient) Predict(ctx context.Context, conversationID int64) (*Prediction, error) {
	resp, err := c.invoke(ctx, MethodPredict, map[string]any{
		"conversation_id": float64(conversationID),
	})
	if err != nil {
		return nil, err
	}
	return decodePrediction(resp)
}

func decodeTurn(m map[string]any) (*TurnResult, error) {
	res := &TurnResult{
		Message:       stringField(m, "message"),
		ClaimCategory: stringField(m, "claim_category"),
	}

	if raw, ok := m["current_fact"].(map[string]any); ok {
		id, ok := intField(raw, "id")
		if !ok {
			return nil, fmt.Errorf("%w: current_fact without id", errMalformedResponse)
		}
		res.CurrentFact = &domain.Fact{ID: id, Name: stringField(raw, "name")}
	}

	if raw, ok := m["fact_entity"].(map[string]any); ok {
		entity := &domain.FactEntity{
			FactName: stringField(raw, "fact_name"),
			Value:    scalarString(raw["value"]),
		}
		entity.FactID, _ = intField(raw, "fact_id")
		res.FactEntity = entity
	}

	return res, nil
}

func decodeStatistics(m map[string]any) (*report.Statistics, error) {
	stats := &report.Statistics{Regressor: make(map[string]map[string]any)}

	dataSet, ok := m["data_set"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: statistics without data_set", errMalformedResponse)
	}
	size, _ := intField(dataSet, "size")
	stats.DataSet.Size = int(size)

	if regressor, ok := m["regressor"].(map[string]any); ok {
		for outcome, raw := range regressor {
			params, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: regressor curve %q is not an object", errMalformedResponse, outcome)
			}
			stats.Regressor[outcome] = params
		}
	}
	return stats, nil
}

func decodePrediction(m map[string]any) (*Prediction, error) {
	pred := &Prediction{Outcomes: map[string]any{}}
	if outcomes, ok := m["outcomes"].(map[string]any); ok {
		pred.Outcomes = outcomes
	}

	list, _ := m["similar_precedents"].([]any)
	pred.SimilarPrecedents = make([]report.Precedent, 0, len(list))
	for i, raw := range list {
		p, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: precedent %d is not an object", errMalformedResponse, i)
		}
		precedent := report.Precedent{
			Name:     stringField(p, "precedent"),
			Facts:    map[string]any{},
			Outcomes: map[string]any{},
		}
		if d, ok := p["distance"].(float64); ok {
			precedent.Distance = d
		}
		if facts, ok := p["facts"].(map[string]any); ok {
			precedent.Facts = facts
		}
		if outcomes, ok := p["outcomes"].(map[string]any); ok {
			precedent.Outcomes = outcomes
		}
		pred.SimilarPrecedents = append(pred.SimilarPrecedents, precedent)
	}
	return pred, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intField reads a Struct number (always float64 on the wire) as an integer.
func intField(m map[string]any, key string) (int64, bool) {
	f, ok := m[key].(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
