package model

import "time"

// Identity 匿名身份，无密码、无个人信息
type Identity struct {
	ID             string    `gorm:"primaryKey;size:32" json:"id"`
	SearchRadiusKm float64   `gorm:"not null" json:"search_radius_km"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"-"`
}

// RetiredIdentity 注销过的 id，进程/存储生命周期内不再发放
type RetiredIdentity struct {
	ID        string `gorm:"primaryKey;size:32"`
	RetiredAt time.Time
}
