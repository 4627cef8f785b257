package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query encodes the filter as URL query parameters.
func (f SaleFilter) Query() url.Values {
	q := url.Values{}
	if f.From != nil {
		q.Set("from", f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		q.Set("to", f.To.Format(time.RFC3339))
	}
	if f.ClientID != nil {
		q.Set("client_id", strconv.FormatInt(*f.ClientID, 10))
	}
	if f.PaymentMethod != nil {
		q.Set("payment_method", string(*f.PaymentMethod))
	}
	if f.Status != nil {
		q.Set("status", string(*f.Status))
	}
	return q
}

// ParseSaleFilter is the inverse of SaleFilter.Query.
func ParseSaleFilter(q url.Values) (SaleFilter, error) {
	var f SaleFilter
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid from: %w", err)
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid to: %w", err)
		}
		f.To = &t
	}
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid client_id: %w", err)
		}
		f.ClientID = &id
	}
	if v := q.Get("payment_method"); v != "" {
		m := PaymentMethod(v)
		if !m.Valid() {
			return f, fmt.Errorf("invalid payment_method %q", v)
		}
		f.PaymentMethod = &m
	}
	if v := q.Get("status"); v != "" {
		s := SaleStatus(v)
		if !s.Valid() {
			return f, fmt.Errorf("invalid status %q", v)
		}
		f.Status = &s
	}
	return f, nil
}
