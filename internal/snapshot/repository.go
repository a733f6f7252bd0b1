package snapshot

import (
	"database/sql"

	"syncpad/internal/activity"
	"syncpad/pkg/logger"
)

// Repository persists the latest saved content per (document, file) pair.
// It backs the activity recorder's SnapshotStore; the recorder treats every
// failure as non-fatal, so methods just log and return the error.
type Repository struct {
	DB *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// Upsert overwrites the stored content for the snapshot's (document, file)
// key. Snapshots are last-writer-wins, not versioned.
func (r *Repository) Upsert(snap activity.Snapshot) error {
	_, err := r.DB.Exec(`INSERT INTO file_snapshots (document_id, file_name, content, user_id, user_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, file_name)
		DO UPDATE SET content = $3, user_id = $4, user_name = $5, updated_at = $6`,
		snap.DocumentID, snap.FileName, snap.Content, snap.UserID, snap.UserName, snap.LastModified)
	if err != nil {
		logger.Sugar.Errorf("Failed to upsert snapshot %s/%s: %v", snap.DocumentID, snap.FileName, err)
	}
	return err
}

// Get loads the stored content for one file. sql.ErrNoRows means the file
// has never been saved.
func (r *Repository) Get(documentID, fileName string) (activity.Snapshot, error) {
	var snap activity.Snapshot
	err := r.DB.QueryRow(`SELECT document_id, file_name, content, user_id, user_name, updated_at
		FROM file_snapshots WHERE document_id = $1 AND file_name = $2`,
		documentID, fileName).
		Scan(&snap.DocumentID, &snap.FileName, &snap.Content, &snap.UserID, &snap.UserName, &snap.LastModified)
	if err != nil && err != sql.ErrNoRows {
		logger.Sugar.Errorf("Failed to load snapshot %s/%s: %v", documentID, fileName, err)
	}
	return snap, err
}
