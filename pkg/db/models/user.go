package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
)

// User mirrors the identity record the engine reads for buyers and producers.
type User struct {
	ID          uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	DisplayName string         `gorm:"column:display_name;not null"`
	Email       string         `gorm:"column:email;type:text;not null;uniqueIndex"`
	Role        enums.UserRole `gorm:"column:role;type:user_role;not null"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }
