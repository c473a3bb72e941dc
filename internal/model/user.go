package model

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// TokenRecord 是一次 OAuth 授权得到的令牌；刷新时原地更新 access_token / expires_at
type TokenRecord struct {
	ID           int64
	UserID       int64
	AccessToken  string
	RefreshToken string     // 空串表示没有 refresh token
	ExpiresAt    *time.Time // nil 视为未过期
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
