package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/salesrpc"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCClient talks to the sales service over gRPC. It answers with the same
// errors as Client so the terminal does not care which transport is in use.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     *zap.Logger
}

func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration, log *zap.Logger) *GRPCClient {
	return &GRPCClient{
		conn:    conn,
		timeout: timeout,
		breaker: newBreaker[struct{}](log),
		log:     log,
	}
}

func (c *GRPCClient) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	if err := c.invoke(ctx, "GetProduct", &salesrpc.IDRequest{ID: id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *GRPCClient) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var out salesrpc.ProductList
	if err := c.invoke(ctx, "ListProducts", &salesrpc.Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

func (c *GRPCClient) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	var cl domain.Client
	if err := c.invoke(ctx, "GetClient", &salesrpc.IDRequest{ID: id}, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (c *GRPCClient) ListClients(ctx context.Context) ([]domain.Client, error) {
	var out salesrpc.ClientList
	if err := c.invoke(ctx, "ListClients", &salesrpc.Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Clients, nil
}

func (c *GRPCClient) SubmitSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	var s domain.Sale
	if err := c.invoke(ctx, "SubmitSale", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	var out salesrpc.SaleList
	if err := c.invoke(ctx, "ListSales", salesrpc.NewListSalesRequest(f), &out); err != nil {
		return nil, err
	}
	return out.Sales, nil
}

func (c *GRPCClient) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var s domain.Sale
	if err := c.invoke(ctx, "GetSale", &salesrpc.IDRequest{ID: id}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error) {
	var s domain.Sale
	in := &salesrpc.VoidSaleRequest{SaleID: id, UserID: req.UserID, Reason: req.Reason}
	if err := c.invoke(ctx, "VoidSale", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) SalesStats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error) {
	var st domain.SalesStats
	if err := c.invoke(ctx, "SalesStats", &salesrpc.RangeRequest{From: from, To: to}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ActiveSession returns the user's open session, or nil, nil when there is none.
func (c *GRPCClient) ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error) {
	var s domain.CashSession
	err := c.invoke(ctx, "ActiveSession", &salesrpc.UserRequest{UserID: userID}, &s)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	var s domain.CashSession
	if err := c.invoke(ctx, "OpenSession", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) CloseSession(ctx context.Context, sessionID int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	var s domain.CashSession
	in := &salesrpc.CloseSessionRequest{SessionID: sessionID, UserID: req.UserID, CountedAmount: req.CountedAmount}
	if err := c.invoke(ctx, "CloseSession", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	_, err := c.breaker.Execute(func() (struct{}, error) {
		var trailer metadata.MD
		err := c.conn.Invoke(ctx, salesrpc.FullMethod(method), in, out, grpc.Trailer(&trailer))
		return struct{}{}, fromStatus(err, trailer)
	})
	if err != nil {
		c.log.Debug("sales service call failed",
			zap.String("rpc", method),
			zap.Error(err))
		return err
	}
	return nil
}

// fromStatus turns a gRPC status into the errors Client returns: an APIError
// for answers of the service, context errors for deadlines and cancellation.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("sales service unavailable: %s", st.Message())
	}

	apiErr := &APIError{Status: httpStatus(st.Code()), Message: st.Message()}
	if v := trailer.Get(salesrpc.ErrorCodeKey); len(v) > 0 {
		apiErr.Code = v[0]
	}
	return apiErr
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
