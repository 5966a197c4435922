package db

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector picks the gorm driver from the DSN shape.
//
//	postgres://..., postgresql://...  -> postgres
//	sqlite:<path>, file:<path>        -> sqlite (pure go)
//	anything else                     -> mysql
func Dialector(dsn string) (gorm.Dialector, string) {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgres.Open(d), "postgres"
	case strings.HasPrefix(lower, "sqlite:"):
		return gormsqlite.Open(d[len("sqlite:"):]), "sqlite"
	case strings.HasPrefix(lower, "file:"):
		return gormsqlite.Open(d), "sqlite"
	default:
		return mysql.Open(d), "mysql"
	}
}

// lookups for chats that do not exist yet are routine
func newGormLogger(w io.Writer) gormlogger.Interface {
	return gormlogger.New(
		log.New(w, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func Connect(dsn string, models ...any) (*gorm.DB, error) {
	dialector, driver := Dialector(dsn)
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(os.Stdout),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if len(models) > 0 {
		if err := gdb.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}
	return gdb, nil
}

func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
