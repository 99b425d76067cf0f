package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	UploadCount  int    `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type DocumentModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"index"`
	StorageKey       string
	OriginalFilename string `gorm:"not null"`
	MimeType         string `gorm:"not null"`
	SizeBytes        int64  `gorm:"not null"`
	PageCount        int
	WordCount        int
	Language         string
	Summary          string `gorm:"type:text"`
	ViewCount        int    `gorm:"not null;default:0"`
	ChatCount        int    `gorm:"not null;default:0"`
	LastAccessedAt   *time.Time
	Active           bool `gorm:"not null;index"`
	DeletedAt        *time.Time
	CreatedAt        time.Time `gorm:"not null;index"`
}

type ChunkModel struct {
	ID         string         `gorm:"primaryKey"`
	DocumentID string         `gorm:"not null;index"`
	Idx        int            `gorm:"not null"`
	Content    string         `gorm:"type:text;not null"`
	Source     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null"`
}

type MessageModel struct {
	ID          string         `gorm:"primaryKey"`
	UserID      string         `gorm:"not null;index"`
	Role        string         `gorm:"not null"`
	Content     string         `gorm:"type:text;not null"`
	DocumentIDs datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}
