package domain

import "time"

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleCashier Role = "CASHIER"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleCashier
}

// User is an operator account. Credentials live with the authentication
// layer in front of the services, not here.
type User struct {
	ID        int64     `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

type SetUserActiveRequest struct {
	Active *bool `json:"active"`
}
