package model

import (
	"strings"
	"time"
)

// Category 频道分类，内置分类为封闭集合
type Category string

const (
	CategoryTraffic       Category = "Traffic"
	CategoryCampus        Category = "Campus"
	CategoryEvents        Category = "Events"
	CategoryConfessions   Category = "Confessions"
	CategoryEmergency     Category = "Emergency"
	CategorySocial        Category = "Social"
	CategoryEntertainment Category = "Entertainment"
	CategoryGaming        Category = "Gaming"
	CategoryWork          Category = "Work"
	CategoryHousing       Category = "Housing"

	// CategoryAll 只用于列表过滤，不能作为频道分类
	CategoryAll = "all"
)

// Categories 内置分类，顺序即展示顺序
var Categories = []Category{
	CategoryTraffic,
	CategoryCampus,
	CategoryEvents,
	CategoryConfessions,
	CategoryEmergency,
	CategorySocial,
	CategoryEntertainment,
	CategoryGaming,
	CategoryWork,
	CategoryHousing,
}

var categoryIcons = map[Category]string{
	CategoryTraffic:       "Car",
	CategoryCampus:        "GraduationCap",
	CategoryEvents:        "Calendar",
	CategoryConfessions:   "Heart",
	CategoryEmergency:     "AlertTriangle",
	CategorySocial:        "Coffee",
	CategoryEntertainment: "Music",
	CategoryGaming:        "GameController2",
	CategoryWork:          "Briefcase",
	CategoryHousing:       "Home",
}

// DefaultIcon 自定义分类使用的图标
const DefaultIcon = "MessageSquare"

// LookupCategory 大小写不敏感地匹配内置分类
func LookupCategory(raw string) (Category, bool) {
	raw = strings.TrimSpace(raw)
	for _, c := range Categories {
		if strings.EqualFold(string(c), raw) {
			return c, true
		}
	}
	return "", false
}

// Icon 返回分类对应的图标名
func (c Category) Icon() string {
	if icon, ok := categoryIcons[c]; ok {
		return icon
	}
	return DefaultIcon
}

type Channel struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Name           string    `gorm:"size:64;not null" json:"name"`
	Category       Category  `gorm:"size:32;not null;index" json:"category"`
	CustomCategory bool      `gorm:"not null;default:false" json:"custom_category"`
	Icon           string    `gorm:"size:32" json:"icon"`
	IsDefault      bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedBy      string    `gorm:"size:32;index" json:"created_by,omitempty"` // 系统默认频道为空
	CreatedAt      time.Time `json:"created_at"`
	MemberCount    int       `gorm:"-" json:"member_count"`
}

type ChannelMember struct {
	ID         uint64 `gorm:"primaryKey"`
	ChannelID  string `gorm:"size:64;not null;uniqueIndex:uk_channel_identity"`
	IdentityID string `gorm:"size:32;not null;index;uniqueIndex:uk_channel_identity"`
	JoinedAt   time.Time
}

// CategoryCount 分类过滤栏的一项
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}
