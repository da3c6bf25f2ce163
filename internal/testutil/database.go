// Package testutil provides a throwaway database for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nurpe/meter-readings/internal/model"
)

// NewDB opens a file-backed sqlite database with the measure schema. A single
// connection serializes transactions the way row locks do on postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "measures.db")
	database, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(&model.Customer{}, &model.Measure{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func SeedCustomer(t testing.TB, database *gorm.DB, code string) {
	t.Helper()

	customer := model.Customer{CustomerCode: code, Name: "Customer " + code, CreatedAt: time.Now().UTC()}
	if err := database.Create(&customer).Error; err != nil {
		t.Fatalf("seed customer %s: %v", code, err)
	}
}
