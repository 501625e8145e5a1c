// Package domain 定义了应用程序中使用的核心数据结构 (数据库模型)。
package domain

import "time"

// User 表示应用程序中的用户。
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Username       string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null" json:"username"`
	Password       string    `gorm:"type:text;not null" json:"-"` // 哈希后的密码
	Email          string    `gorm:"type:varchar(191);index:idx_email" json:"email,omitempty"`
	DisplayName    string    `gorm:"type:varchar(100)" json:"display_name"`
	AvatarURL      string    `gorm:"type:varchar(512)" json:"avatar_url"`
	FollowerCount  int       `gorm:"not null;default:0" json:"follower_count"`
	FollowingCount int       `gorm:"not null;default:0" json:"following_count"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserSummary 是广播给其他用户时附带的发送者展示字段。
type UserSummary struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Summary 返回用户的展示字段，DisplayName 为空时回退到用户名。
func (u *User) Summary() UserSummary {
	if u == nil {
		return UserSummary{}
	}
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return UserSummary{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: name,
		AvatarURL:   u.AvatarURL,
	}
}
