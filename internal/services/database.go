package services

import (
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coursepay/internal/models"
)

// InitDB initializes the database connection with connection pooling
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Get underlying sql.DB to configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Course{},
		&models.Coupon{},
		&models.CartItem{},
		&models.Payment{},
		&models.PaymentItem{},
		&models.Enrollment{},
		&models.CallbackLog{},
	); err != nil {
		return err
	}

	// One payment per gateway transaction reference. Partial so the rows that
	// have no transaction id yet stay unconstrained.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_gateway_txn ` +
		`ON payments (gateway_transaction_id) ` +
		`WHERE gateway_transaction_id <> '' AND deleted_at IS NULL`).Error
}
