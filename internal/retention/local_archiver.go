package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/pkg/models"
)

// LocalFileArchiver writes expiring audit records as JSONL files under a
// local directory, one file per cycle per tenant:
//
//	{basePath}/{tenantCode}/audit/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates the file archiver. Empty basePath defaults
// to ~/.elder/archive.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/elder/archive"
		} else {
			basePath = filepath.Join(home, ".elder", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveAudit(_ context.Context, tenant *models.Tenant, records []models.AuditRecord) (string, error) {
	dir := filepath.Join(a.basePath, tenant.VillageCode, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return "", fmt.Errorf("encode audit record %d: %w", records[i].ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(records)).
		Str("tenant", tenant.VillageCode).
		Msg("archived audit records to local file")

	return fpath, nil
}
