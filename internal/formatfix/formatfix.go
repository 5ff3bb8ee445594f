// Package formatfix re-detects the format of stored artifacts and repairs
// objects whose content type or key extension disagrees with their bytes.
package formatfix

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/digkill/creditcanvas/internal/imageformat"
	"github.com/digkill/creditcanvas/internal/models"
)

type Records interface {
	ListAfter(ctx context.Context, afterID string, limit int) ([]models.Artifact, error)
	UpdateMimeType(ctx context.Context, id, mimeType string) error
	UpdateLocation(ctx context.Context, id, key, url, mimeType string) error
}

type Objects interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	SetContentType(ctx context.Context, key, contentType string) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	BatchSize int
	// Apply writes fixes; otherwise mismatches are only reported.
	Apply bool
}

// Report counts what a run saw. Relocated is the subset of Fixed that moved
// an object to a key with the detected extension.
type Report struct {
	Scanned    int
	Mismatched int
	Fixed      int
	Relocated  int
	Unknown    int
	Failed     int
}

type Repairer struct {
	records Records
	objects Objects
	log     *slog.Logger
}

func New(records Records, objects Objects, log *slog.Logger) *Repairer {
	return &Repairer{records: records, objects: objects, log: log}
}

// Run walks every artifact in id order. Individual object failures are
// counted and logged; only listing failures abort the run.
func (r *Repairer) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	var (
		report Report
		cursor string
	)
	for {
		batch, err := r.records.ListAfter(ctx, cursor, opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list artifacts after %q: %w", cursor, err)
		}
		for _, a := range batch {
			r.check(ctx, a, opts.Apply, &report)
		}
		if len(batch) < opts.BatchSize {
			return report, nil
		}
		cursor = batch[len(batch)-1].ID
	}
}

func (r *Repairer) check(ctx context.Context, a models.Artifact, apply bool, report *Report) {
	report.Scanned++
	log := r.log.With("artifact_id", a.ID, "key", a.StorageKey)

	data, stored, err := r.objects.Get(ctx, a.StorageKey)
	if err != nil {
		report.Failed++
		log.Warn("read object", "err", err)
		return
	}
	detected := imageformat.Detect(data)
	if detected.IsUnknown() {
		report.Unknown++
		log.Warn("object bytes match no known image format")
		return
	}
	wrongKey := !extensionMatches(a.StorageKey, detected)
	if detected.MimeType == stored && detected.MimeType == a.MimeType && !wrongKey {
		return
	}

	report.Mismatched++
	log.Info("format mismatch", "stored", stored, "recorded", a.MimeType, "detected", detected.MimeType, "wrong_extension", wrongKey, "apply", apply)
	if !apply {
		return
	}
	if wrongKey {
		if err := r.relocate(ctx, log, a, data, detected); err != nil {
			report.Failed++
			log.Error("relocate object", "err", err)
			return
		}
		report.Relocated++
		report.Fixed++
		return
	}
	if detected.MimeType != stored {
		if err := r.objects.SetContentType(ctx, a.StorageKey, detected.MimeType); err != nil {
			report.Failed++
			log.Error("rewrite content type", "err", err)
			return
		}
	}
	if detected.MimeType != a.MimeType {
		if err := r.records.UpdateMimeType(ctx, a.ID, detected.MimeType); err != nil {
			report.Failed++
			log.Error("update artifact mime type", "err", err)
			return
		}
	}
	report.Fixed++
}

// relocate copies the bytes to a key carrying the detected extension, points
// the record at it and then drops the old object. A failed record update
// removes the new copy so the artifact keeps its old, readable location.
func (r *Repairer) relocate(ctx context.Context, log *slog.Logger, a models.Artifact, data []byte, format imageformat.Format) error {
	key := strings.TrimSuffix(a.StorageKey, path.Ext(a.StorageKey)) + format.Extension
	url, err := r.objects.Put(ctx, key, data, format.MimeType)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := r.records.UpdateLocation(ctx, a.ID, key, url, format.MimeType); err != nil {
		if delErr := r.objects.Delete(ctx, key); delErr != nil {
			log.Warn("remove relocated copy", "new_key", key, "err", delErr)
		}
		return fmt.Errorf("update artifact location: %w", err)
	}
	if err := r.objects.Delete(ctx, a.StorageKey); err != nil {
		log.Warn("remove old object", "err", err)
	}
	log.Info("object relocated", "new_key", key)
	return nil
}

// extensionMatches reports whether key ends in format's extension; .jpeg is
// accepted for JPEG.
func extensionMatches(key string, format imageformat.Format) bool {
	ext := strings.ToLower(path.Ext(key))
	if ext == format.Extension {
		return true
	}
	return format == imageformat.JPEG && ext == ".jpeg"
}
