package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/respond"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// APIError is an error answered by the sales service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("sales service returned %d", e.Status)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to the sales service over HTTP. Transport failures and 5xx
// answers count against a circuit breaker; 4xx answers do not.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newBreaker[[]byte](log),
		log:     log,
	}
}

// newBreaker trips after five consecutive failures and lets one call through
// after ten seconds. Answers below 500 and caller cancellations are not failures.
func newBreaker[T any](log *zap.Logger) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        "sales-service",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func (c *Client) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/products/%d", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var ps []domain.Product
	if err := c.do(ctx, http.MethodGet, "/api/v1/products", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (c *Client) GetClient(ctx context.Context, id int64) (*domain.Client, error) {
	var cl domain.Client
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/clients/%d", id), nil, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (c *Client) ListClients(ctx context.Context) ([]domain.Client, error) {
	var cs []domain.Client
	if err := c.do(ctx, http.MethodGet, "/api/v1/clients", nil, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *Client) SubmitSale(ctx context.Context, req *domain.SaleRequest) (*domain.Sale, error) {
	var s domain.Sale
	if err := c.do(ctx, http.MethodPost, "/api/v1/sales", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ListSales(ctx context.Context, f domain.SaleFilter) ([]domain.Sale, error) {
	path := "/api/v1/sales"
	if q := f.Query().Encode(); q != "" {
		path += "?" + q
	}
	var ss []domain.Sale
	if err := c.do(ctx, http.MethodGet, path, nil, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func (c *Client) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var s domain.Sale
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sales/%d", id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) VoidSale(ctx context.Context, id int64, req *domain.VoidSaleRequest) (*domain.Sale, error) {
	var s domain.Sale
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/sales/%d/void", id), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) SalesStats(ctx context.Context, from, to time.Time) (*domain.SalesStats, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))
	var st domain.SalesStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/sales/stats?"+q.Encode(), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ActiveSession returns the user's open session, or nil, nil when there is none.
func (c *Client) ActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error) {
	var s domain.CashSession
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/active?user_id="+strconv.FormatInt(userID, 10), nil, &s)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	var s domain.CashSession
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/open", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	var s domain.CashSession
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/close", sessionID), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		body = bytes.NewReader(b)
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response failed: %w", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, decodeError(resp.StatusCode, data)
		}
		return data, nil
	})
	if err != nil {
		c.log.Debug("sales service call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return err
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response failed: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var er respond.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		apiErr.Code = er.Code
		apiErr.Message = er.Details
		if apiErr.Message == "" {
			apiErr.Message = er.Error
		}
	}
	return apiErr
}
