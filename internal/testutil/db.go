// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/richardliu001/mpesa-service/internal/logger"
	"github.com/richardliu001/mpesa-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq int64

// NewDB opens a migrated in-memory SQLite database private to the test.
// A single connection keeps every statement on the same in-memory instance.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbSeq, 1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&model.Transaction{}, &model.OutboxEvent{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

// NewLogger returns a development logger or fails the test.
func NewLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := logger.NewLogger("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}
