package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"syncpad/config/database"
	"syncpad/handler"
	"syncpad/internal/activity"
	"syncpad/internal/room"
	"syncpad/internal/snapshot"
	"syncpad/pkg/logger"
	"syncpad/router"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Sugar.Info("No .env file found, using environment variables from OS")
	}
	logger.Init()

	// Snapshot persistence is optional; with no database the recorder keeps
	// everything in memory only and the query surface has no fallback.
	var store activity.SnapshotStore
	var snapshots handler.SnapshotReader
	if db := database.Connect(); db != nil {
		defer db.Close()
		repo := snapshot.NewRepository(db)
		store = repo
		snapshots = repo
	}

	recorder := activity.NewRecorder(activity.EventCapacity, store)
	defer recorder.Close()

	registry := room.NewRegistry(recorder)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Sugar.Infof("syncpad listening on :%s", port)
	if err := http.ListenAndServe(":"+port, router.Setup(registry, recorder, snapshots)); err != nil {
		logger.Sugar.Fatalf("ListenAndServe: %v", err)
	}
}
