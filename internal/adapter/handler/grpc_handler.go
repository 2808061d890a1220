package handler

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/service"
	"github.com/rl1809/lottery-saga/internal/logger"
)

const traceMetadataKey = "x-trace-id"

type GRPCHandler struct {
	draws *service.DrawService
}

func NewGRPCHandler(draws *service.DrawService) *GRPCHandler {
	return &GRPCHandler{draws: draws}
}

// TraceInterceptor attaches the caller's trace id, or a new one, to the request context.
func TraceInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	traceID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(traceMetadataKey); len(v) > 0 {
			traceID = v[0]
		}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return handler(logger.WithTraceID(ctx, traceID), req)
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	res, err := h.draws.Reserve(ctx, service.ReserveRequest{
		DrawID:          req.DrawID,
		UserID:          req.UserID,
		Series:          int(req.Series),
		Numbers:         req.Numbers,
		OrderID:         req.OrderID,
		GiftRecipientID: req.GiftRecipientID,
	})
	if err != nil {
		var conflict *domain.ConflictError
		switch {
		case errors.As(err, &conflict):
			return &ReserveResponse{Success: false, Message: "numbers not available", Unavailable: conflict.Unavailable}, nil
		case errors.Is(err, domain.ErrNotFound):
			return &ReserveResponse{Success: false, Message: "draw not found"}, nil
		case errors.Is(err, domain.ErrInvalidArgument):
			return &ReserveResponse{Success: false, Message: err.Error()}, nil
		}
		logger.ErrorCtx(ctx, "grpc reserve failed", zap.String("drawId", req.DrawID), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}

	return &ReserveResponse{
		Success:     true,
		Message:     "numbers reserved",
		OrderID:     res.OrderID,
		NumberIDs:   res.NumberIDs,
		TotalAmount: res.TotalAmount.String(),
		ExpiresAt:   res.ExpiresAt.UnixMilli(),
	}, nil
}

func (h *GRPCHandler) Suggest(ctx context.Context, req *SuggestRequest) (*SuggestResponse, error) {
	count := int(req.Count)
	if count <= 0 {
		count = defaultSuggestCount
	}
	if count > maxSuggestCount {
		return &SuggestResponse{Success: false, Message: "count must be between 1 and 100"}, nil
	}

	combos, err := h.draws.Suggest(ctx, req.DrawID, count)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &SuggestResponse{Success: false, Message: "draw not found"}, nil
		}
		logger.ErrorCtx(ctx, "grpc suggest failed", zap.String("drawId", req.DrawID), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal error")
	}

	out := make([]Suggestion, 0, len(combos))
	for _, c := range combos {
		out = append(out, Suggestion{Number: c.Number, Series: c.Series})
	}
	return &SuggestResponse{Success: true, Message: "ok", Suggestions: out}, nil
}
