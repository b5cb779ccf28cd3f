// Command migrate synchronizes the database schema with the pipeline
// models. The worker does the same on startup; this command exists for
// deploy hooks that migrate before rolling new workers.
//
// Usage:
//
//	go run cmd/migrate/main.go        # apply schema changes
//	go run cmd/migrate/main.go status # list managed tables and their state
package main

import (
	"fmt"
	"log"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cloudledger/internal/config"
	"cloudledger/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	switch command {
	case "up":
		runUp(db)
	case "status":
		showStatus(db)
	default:
		log.Fatalf("unknown command %q (expected: up, status)", command)
	}
}

func runUp(db *gorm.DB) {
	log.Println("applying schema changes...")
	if err := db.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("schema is up to date")
}

func showStatus(db *gorm.DB) {
	migrator := db.Migrator()
	for _, m := range model.All() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			log.Fatalf("parse model: %v", err)
		}
		state := "missing"
		if migrator.HasTable(m) {
			state = "present"
		}
		fmt.Printf("%-20s %s\n", stmt.Table, state)
	}
}
