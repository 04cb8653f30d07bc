package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type RelayArtifact struct {
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

type PublishRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ArtifactID *uuid.UUID `gorm:"type:uuid"`
	Channel    string     `gorm:"type:text;not null"`
	BuildID    string     `gorm:"type:text"`
	Status     string     `gorm:"type:text;not null"`
	Detail     string     `gorm:"type:text"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`

	Artifact RelayArtifact `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&RelayArtifact{},
		&PublishRecord{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&PublishRecord{}, "Artifact")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&PublishRecord{},
		&RelayArtifact{},
	)
}
