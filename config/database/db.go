package database

import (
	"database/sql"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"syncpad/pkg/logger"
)

// Connect opens the snapshot database from DATABASE_URL. Persistence is an
// optional collaborator: with no URL configured the service runs memory-only
// and Connect returns nil.
func Connect() *sql.DB {
	connStr := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if connStr == "" {
		logger.Sugar.Info("DATABASE_URL not set, running without snapshot persistence")
		return nil
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Sugar.Fatalf("Failed to open database connection: %v", err)
	}

	// Retry a few times in case of temporary DNS/network blips.
	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	logger.Sugar.Fatalf("Could not connect to database after retries: %v", err)
	return nil
}
