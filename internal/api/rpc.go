package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/logger"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/salesrpc"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RPCServer answers SalesService calls with the same catalog and sales
// logic the HTTP handler uses.
type RPCServer struct {
	catalog Catalog
	sales   Sales
}

var _ salesrpc.SalesServer = (*RPCServer)(nil)

func NewRPCServer(catalog Catalog, s Sales) *RPCServer {
	return &RPCServer{catalog: catalog, sales: s}
}

func (s *RPCServer) GetProduct(ctx context.Context, in *salesrpc.IDRequest) (*domain.Product, error) {
	p, err := s.catalog.GetProduct(ctx, in.ID)
	return p, toStatus(ctx, err)
}

func (s *RPCServer) ListProducts(ctx context.Context, _ *salesrpc.Empty) (*salesrpc.ProductList, error) {
	ps, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &salesrpc.ProductList{Products: ps}, nil
}

func (s *RPCServer) GetClient(ctx context.Context, in *salesrpc.IDRequest) (*domain.Client, error) {
	c, err := s.catalog.GetClient(ctx, in.ID)
	return c, toStatus(ctx, err)
}

func (s *RPCServer) ListClients(ctx context.Context, _ *salesrpc.Empty) (*salesrpc.ClientList, error) {
	cs, err := s.catalog.ListClients(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &salesrpc.ClientList{Clients: cs}, nil
}

func (s *RPCServer) SubmitSale(ctx context.Context, in *domain.SaleRequest) (*domain.Sale, error) {
	sale, err := s.sales.CreateSale(ctx, in)
	return sale, toStatus(ctx, err)
}

func (s *RPCServer) ListSales(ctx context.Context, in *salesrpc.ListSalesRequest) (*salesrpc.SaleList, error) {
	ss, err := s.sales.ListSales(ctx, in.Filter())
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &salesrpc.SaleList{Sales: ss}, nil
}

func (s *RPCServer) GetSale(ctx context.Context, in *salesrpc.IDRequest) (*domain.Sale, error) {
	sale, err := s.sales.GetSale(ctx, in.ID)
	return sale, toStatus(ctx, err)
}

func (s *RPCServer) VoidSale(ctx context.Context, in *salesrpc.VoidSaleRequest) (*domain.Sale, error) {
	sale, err := s.sales.VoidSale(ctx, in.SaleID, &domain.VoidSaleRequest{UserID: in.UserID, Reason: in.Reason})
	return sale, toStatus(ctx, err)
}

func (s *RPCServer) SalesStats(ctx context.Context, in *salesrpc.RangeRequest) (*domain.SalesStats, error) {
	st, err := s.sales.Stats(ctx, in.From, in.To)
	return st, toStatus(ctx, err)
}

func (s *RPCServer) ActiveSession(ctx context.Context, in *salesrpc.UserRequest) (*domain.CashSession, error) {
	cs, err := s.sales.ActiveSession(ctx, in.UserID)
	return cs, toStatus(ctx, err)
}

func (s *RPCServer) OpenSession(ctx context.Context, in *domain.OpenSessionRequest) (*domain.CashSession, error) {
	cs, err := s.sales.OpenSession(ctx, in)
	return cs, toStatus(ctx, err)
}

func (s *RPCServer) CloseSession(ctx context.Context, in *salesrpc.CloseSessionRequest) (*domain.CashSession, error) {
	cs, err := s.sales.CloseSession(ctx, in.SessionID, &domain.CloseSessionRequest{
		UserID:        in.UserID,
		CountedAmount: in.CountedAmount,
	})
	return cs, toStatus(ctx, err)
}

// toStatus maps a domain error onto a gRPC status and sets the error code
// trailer. Unclassified errors are returned as-is for the interceptor to log.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	p, ok := Classify(err)
	if !ok {
		return err
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(salesrpc.ErrorCodeKey, p.Code))
	return status.Error(grpcCode(p.Status), err.Error())
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// NewGRPCServer builds a server with SalesService registered, traced with
// otelgrpc and logged and counted per call.
func NewGRPCServer(srv salesrpc.SalesServer, log *zap.Logger, m *metrics.Registry) *grpc.Server {
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(log, m),
			recoveryInterceptor(log),
		),
	)
	gs.RegisterService(&salesrpc.ServiceDesc, srv)
	return gs
}

func loggingInterceptor(log *zap.Logger, m *metrics.Registry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			if _, ok := status.FromError(err); !ok {
				logger.WithContext(ctx, log).Error("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
				err = status.Error(codes.Internal, "internal server error")
			}
		}
		code := status.Code(err)
		m.RPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		m.RPCLatencySec.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())

		logger.WithContext(ctx, log).Info("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", elapsed))
		return resp, err
	}
}

func recoveryInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(ctx, log).Error("rpc panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
				err = errors.New("panic in rpc handler")
			}
		}()
		return handler(ctx, req)
	}
}
