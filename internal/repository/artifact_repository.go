package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/creditcanvas/internal/models"
)

type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

const artifactColumns = `id, user_id, prompt, model_id, storage_key, url, mime_type, aspect_ratio, tags, COALESCE(source_artifact_id, ''), credits, created_at`

func (r *ArtifactRepository) Create(ctx context.Context, a *models.Artifact) error {
	const query = `
INSERT INTO artifacts (id, user_id, prompt, model_id, storage_key, url, mime_type, aspect_ratio, tags, source_artifact_id, credits, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`
	if a.Tags == nil {
		a.Tags = []string{}
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, query, a.ID, a.UserID, a.Prompt, a.ModelID, a.StorageKey, a.URL, a.MimeType, a.AspectRatio, string(tags), a.SourceArtifactID, a.Credits, a.CreatedAt); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) GetByID(ctx context.Context, id string) (*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ?`
	a, err := scanArtifact(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListByUser returns the user's artifacts, newest first.
func (r *ArtifactRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}

// ListAfter pages through every artifact in id order, for maintenance jobs.
func (r *ArtifactRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id > ? ORDER BY id ASC LIMIT ?`
	return r.list(ctx, query, afterID, limit)
}

func (r *ArtifactRepository) UpdateMimeType(ctx context.Context, id, mimeType string) error {
	const query = `UPDATE artifacts SET mime_type = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, mimeType, id); err != nil {
		return fmt.Errorf("update artifact mime type: %w", err)
	}
	return nil
}

// UpdateLocation points the artifact at a relocated object.
func (r *ArtifactRepository) UpdateLocation(ctx context.Context, id, key, url, mimeType string) error {
	const query = `UPDATE artifacts SET storage_key = ?, url = ?, mime_type = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, key, url, mimeType, id); err != nil {
		return fmt.Errorf("update artifact location: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM artifacts WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) list(ctx context.Context, query string, args ...any) ([]models.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	var tags sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &a.Prompt, &a.ModelID, &a.StorageKey, &a.URL, &a.MimeType, &a.AspectRatio, &tags, &a.SourceArtifactID, &a.Credits, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Tags = []string{}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &a.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return &a, nil
}
