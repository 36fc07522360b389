package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/models"
)

type Repositories struct {
	AccountRepository  interfaces.AccountRepository
	DeliveryRepository interfaces.DeliveryRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		AccountRepository:  NewAccountRepository(db),
		DeliveryRepository: NewDeliveryRepository(db),
	}
}

func MigrateDB(maxIdleConn, maxConn, connMaxLifetimeMinutes int, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxOpenConns(5)

	err = db.AutoMigrate(
		&models.Account{},
		&models.Delivery{},
	)

	sqlDB.SetMaxIdleConns(maxIdleConn)
	sqlDB.SetMaxOpenConns(maxConn)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLifetimeMinutes) * time.Minute)

	return err
}
