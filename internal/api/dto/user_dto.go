package dto

import "time"

// UserDTO 用户
type UserDTO struct {
	UserID    *uint64    `json:"user_id,omitempty"`
	Username  *string    `json:"username,omitempty"`
	Nickname  *string    `json:"nickname,omitempty"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// RegisterDTO 注册
type RegisterDTO struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	Nickname string  `json:"nickname" validate:"required,min=1,max=15"`
}

// CredentialDTO 登录凭证
type CredentialDTO struct {
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}
