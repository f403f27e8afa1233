// Package model はドメインモデルを定義する。
package model

import "time"

// PlatformConnection はユーザーと外部プラットフォームの認可済み接続を表す。
// OAuth連携フロー側が作成・更新し、配信コアからは読み取り専用で扱う。
// (user_id, platform) の組み合わせで有効な接続は高々1つ。
type PlatformConnection struct {
	ID           string
	UserID       string
	Platform     string
	Connected    bool
	Username     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  *time.Time
	PostsPerHour int // 0は無制限
	PostsPerDay  int // 0は無制限
	ConnectedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenExpired はアクセストークンが期限切れかを返す。
// 期限が未設定の接続は期限切れとして扱わない。
func (c *PlatformConnection) TokenExpired(now time.Time) bool {
	return c.TokenExpiry != nil && c.TokenExpiry.Before(now)
}
