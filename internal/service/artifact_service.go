package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/digkill/creditcanvas/internal/models"
)

const defaultArtifactPage = 100

type ArtifactService struct {
	log       *slog.Logger
	artifacts ArtifactStore
	objects   ObjectStore
}

func NewArtifactService(log *slog.Logger, artifacts ArtifactStore, objects ObjectStore) *ArtifactService {
	return &ArtifactService{log: log, artifacts: artifacts, objects: objects}
}

// List returns the user's artifacts, newest first.
func (s *ArtifactService) List(ctx context.Context, userID string, limit int) ([]models.Artifact, error) {
	if limit <= 0 || limit > defaultArtifactPage {
		limit = defaultArtifactPage
	}
	items, err := s.artifacts.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storageError("list artifacts", err)
	}
	if items == nil {
		items = []models.Artifact{}
	}
	return items, nil
}

// Delete removes the stored object and then the record. Artifacts owned by
// someone else are reported as not found.
func (s *ArtifactService) Delete(ctx context.Context, userID, artifactID string) error {
	if strings.TrimSpace(artifactID) == "" {
		return validationError("artifact id is required")
	}
	a, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return storageError("load artifact", err)
	}
	if a == nil || a.UserID != userID {
		return notFound("artifact %s not found", artifactID)
	}

	if a.StorageKey != "" {
		if err := s.objects.Delete(ctx, a.StorageKey); err != nil {
			return storageError("delete artifact object", err)
		}
	}
	if err := s.artifacts.Delete(ctx, a.ID); err != nil {
		return storageError("delete artifact record", err)
	}
	s.log.Info("artifact deleted", "user_id", userID, "artifact_id", a.ID)
	return nil
}
