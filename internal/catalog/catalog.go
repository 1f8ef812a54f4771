// Package catalog persists picks, events, waveform pointers, and
// station metadata to the Postgres/TimescaleDB catalog. All writes are
// idempotent under redelivery.
package catalog

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seismox/seismox/internal/log"
)

// Client holds the connection to the catalog database
type Client struct {
	DB *gorm.DB
}

// NewClient connects to the catalog database and migrates the schema.
func NewClient(connectionString string) (*Client, error) {
	db, err := createConnection(connectionString)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Station{}, &Waveform{}, &PhasePick{}, &Event{}); err != nil {
		return nil, fmt.Errorf("migrating catalog schema: %w", err)
	}

	return &Client{DB: db}, nil
}

// createConnection creates a database connection with standard GORM configuration
func createConnection(connectionString string) (*gorm.DB, error) {
	// Create a logger for gorm
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Info("connecting to catalog database...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		log.Warn("warning: unable to create a catalog database connection:", err)
		return nil, err
	}
	log.Info("catalog database connection successful")

	return db, nil
}
