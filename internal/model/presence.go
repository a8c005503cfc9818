package model

import "time"

// Location 经纬度（度）
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Presence 每个身份一条，按 identity_id 覆盖写
type Presence struct {
	IdentityID string    `gorm:"primaryKey;size:32" json:"identity_id"`
	Lat        float64   `gorm:"not null" json:"lat"`
	Lon        float64   `gorm:"not null" json:"lon"`
	LastSeenAt time.Time `gorm:"not null;index" json:"last_seen_at"`
	Online     bool      `gorm:"not null" json:"online"`
}

func (p Presence) Location() Location {
	return Location{Lat: p.Lat, Lon: p.Lon}
}

// Nearby 邻近查询的一条结果
type Nearby struct {
	IdentityID string    `json:"identity_id"`
	DistanceKm float64   `json:"distance_km"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
