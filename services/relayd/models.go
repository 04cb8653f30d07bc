package relayd

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"packline/services/relay"
)

type artifactModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Label     string            `gorm:"type:text;uniqueIndex;not null"`
	Kind      string            `gorm:"type:text;not null"`
	SHA256    string            `gorm:"type:text;not null"`
	Size      int64             `gorm:"type:bigint;not null"`
	Bucket    string            `gorm:"type:text;not null"`
	Key       string            `gorm:"type:text;not null"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt time.Time         `gorm:"type:timestamptz;not null;index"`
}

func (artifactModel) TableName() string { return "relay_artifacts" }

type publishModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ArtifactID *uuid.UUID `gorm:"type:uuid"`
	Channel    string     `gorm:"type:text;not null"`
	BuildID    string     `gorm:"type:text"`
	Status     string     `gorm:"type:text;not null"`
	Detail     string     `gorm:"type:text"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (publishModel) TableName() string { return "publish_records" }

func (m artifactModel) toRecord() relay.Record {
	return relay.Record{
		Label:     m.Label,
		Kind:      m.Kind,
		SHA256:    m.SHA256,
		Size:      m.Size,
		Bucket:    m.Bucket,
		Key:       m.Key,
		ExpiresAt: m.ExpiresAt,
	}
}
