package main

import (
	"fmt"
	"log"

	"casebridge/internal/config"
	"casebridge/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.IncidentSnapshot{},
		&models.ExternalMapping{},
		&models.DeadLetterEvent{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_dead_letter_events_created ON dead_letter_events(created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_incident_snapshots_updated ON incident_snapshots(updated_at)")

	log.Println("Database migration completed successfully!")
}
