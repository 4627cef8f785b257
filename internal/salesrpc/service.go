package salesrpc

import (
	"context"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
)

const ServiceName = "libreria.sales.v1.SalesService"

// ErrorCodeKey is the trailer carrying the machine-readable error code of a
// failed call, e.g. "insufficient_stock".
const ErrorCodeKey = "x-error-code"

type IDRequest struct {
	ID int64 `json:"id"`
}

type UserRequest struct {
	UserID int64 `json:"user_id"`
}

type Empty struct{}

type ProductList struct {
	Products []domain.Product `json:"products"`
}

type ClientList struct {
	Clients []domain.Client `json:"clients"`
}

type SaleList struct {
	Sales []domain.Sale `json:"sales"`
}

type ListSalesRequest struct {
	From          *time.Time            `json:"from,omitempty"`
	To            *time.Time            `json:"to,omitempty"`
	ClientID      *int64                `json:"client_id,omitempty"`
	PaymentMethod *domain.PaymentMethod `json:"payment_method,omitempty"`
	Status        *domain.SaleStatus    `json:"status,omitempty"`
}

func NewListSalesRequest(f domain.SaleFilter) *ListSalesRequest {
	return &ListSalesRequest{
		From:          f.From,
		To:            f.To,
		ClientID:      f.ClientID,
		PaymentMethod: f.PaymentMethod,
		Status:        f.Status,
	}
}

func (r *ListSalesRequest) Filter() domain.SaleFilter {
	return domain.SaleFilter{
		From:          r.From,
		To:            r.To,
		ClientID:      r.ClientID,
		PaymentMethod: r.PaymentMethod,
		Status:        r.Status,
	}
}

type VoidSaleRequest struct {
	SaleID int64  `json:"sale_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

type RangeRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CloseSessionRequest struct {
	SessionID     int64           `json:"session_id"`
	UserID        int64           `json:"user_id"`
	CountedAmount decimal.Decimal `json:"counted_amount"`
}

// SalesServer is the terminal-facing side of the sales service.
type SalesServer interface {
	GetProduct(ctx context.Context, in *IDRequest) (*domain.Product, error)
	ListProducts(ctx context.Context, in *Empty) (*ProductList, error)
	GetClient(ctx context.Context, in *IDRequest) (*domain.Client, error)
	ListClients(ctx context.Context, in *Empty) (*ClientList, error)

	SubmitSale(ctx context.Context, in *domain.SaleRequest) (*domain.Sale, error)
	ListSales(ctx context.Context, in *ListSalesRequest) (*SaleList, error)
	GetSale(ctx context.Context, in *IDRequest) (*domain.Sale, error)
	VoidSale(ctx context.Context, in *VoidSaleRequest) (*domain.Sale, error)
	SalesStats(ctx context.Context, in *RangeRequest) (*domain.SalesStats, error)

	ActiveSession(ctx context.Context, in *UserRequest) (*domain.CashSession, error)
	OpenSession(ctx context.Context, in *domain.OpenSessionRequest) (*domain.CashSession, error)
	CloseSession(ctx context.Context, in *CloseSessionRequest) (*domain.CashSession, error)
}

// FullMethod is the wire name of a SalesService method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req any](name string, call func(SalesServer, context.Context, *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SalesServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SalesServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SalesServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetProduct", func(s SalesServer, ctx context.Context, in *IDRequest) (interface{}, error) {
			return s.GetProduct(ctx, in)
		}),
		unary("ListProducts", func(s SalesServer, ctx context.Context, in *Empty) (interface{}, error) {
			return s.ListProducts(ctx, in)
		}),
		unary("GetClient", func(s SalesServer, ctx context.Context, in *IDRequest) (interface{}, error) {
			return s.GetClient(ctx, in)
		}),
		unary("ListClients", func(s SalesServer, ctx context.Context, in *Empty) (interface{}, error) {
			return s.ListClients(ctx, in)
		}),
		unary("SubmitSale", func(s SalesServer, ctx context.Context, in *domain.SaleRequest) (interface{}, error) {
			return s.SubmitSale(ctx, in)
		}),
		unary("ListSales", func(s SalesServer, ctx context.Context, in *ListSalesRequest) (interface{}, error) {
			return s.ListSales(ctx, in)
		}),
		unary("GetSale", func(s SalesServer, ctx context.Context, in *IDRequest) (interface{}, error) {
			return s.GetSale(ctx, in)
		}),
		unary("VoidSale", func(s SalesServer, ctx context.Context, in *VoidSaleRequest) (interface{}, error) {
			return s.VoidSale(ctx, in)
		}),
		unary("SalesStats", func(s SalesServer, ctx context.Context, in *RangeRequest) (interface{}, error) {
			return s.SalesStats(ctx, in)
		}),
		unary("ActiveSession", func(s SalesServer, ctx context.Context, in *UserRequest) (interface{}, error) {
			return s.ActiveSession(ctx, in)
		}),
		unary("OpenSession", func(s SalesServer, ctx context.Context, in *domain.OpenSessionRequest) (interface{}, error) {
			return s.OpenSession(ctx, in)
		}),
		unary("CloseSession", func(s SalesServer, ctx context.Context, in *CloseSessionRequest) (interface{}, error) {
			return s.CloseSession(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{},
}
