package sales

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabri117/libreria/internal/domain"
	"go.uber.org/zap"
)

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return s.store.GetUser(ctx, id)
}

// CreateUser registers an operator. Role defaults to CASHIER.
func (s *Service) CreateUser(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error) {
	clean := domain.CreateUserRequest{
		Username: strings.ToLower(strings.TrimSpace(req.Username)),
		FullName: strings.TrimSpace(req.FullName),
		Role:     req.Role,
	}
	if clean.Role == "" {
		clean.Role = domain.RoleCashier
	}

	var problems []string
	if clean.Username == "" {
		problems = append(problems, "username is required")
	} else if len(clean.Username) > 64 || strings.ContainsAny(clean.Username, " \t") {
		problems = append(problems, "username must be at most 64 characters without spaces")
	}
	if clean.FullName == "" {
		problems = append(problems, "full_name is required")
	} else if len(clean.FullName) > 128 {
		problems = append(problems, "full_name must be at most 128 characters")
	}
	if !clean.Role.Valid() {
		problems = append(problems, fmt.Sprintf("role %q is not ADMIN or CASHIER", clean.Role))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUser, strings.Join(problems, "; "))
	}

	u, err := s.store.CreateUser(ctx, &clean)
	if err != nil {
		return nil, err
	}
	s.log.Info("user created",
		zap.Int64("user_id", u.ID),
		zap.String("username", u.Username),
		zap.String("role", string(u.Role)))
	return u, nil
}

func (s *Service) SetUserActive(ctx context.Context, id int64, active bool) (*domain.User, error) {
	u, err := s.store.SetUserActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.log.Info("user updated", zap.Int64("user_id", u.ID), zap.Bool("active", u.Active))
	return u, nil
}
