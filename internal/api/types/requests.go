package types

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ListUsersQuery rejects out-of-range paging at the boundary; the service
// clamps whatever reaches it.
type ListUsersQuery struct {
	Page  int    `query:"page" default:"1" validate:"gte=1"`
	Limit int    `query:"limit" default:"10" validate:"gte=1,lte=100"`
	Role  string `query:"role" validate:"omitempty,oneof=admin user guest"`
}
