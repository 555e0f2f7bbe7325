package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/fsutil"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

type localExporter struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.Owner
}

// Ensure interface compliance.
var _ Exporter = (*localExporter)(nil)

// NewLocalExporter writes batches as CSV files under cfg.Dir.
func NewLocalExporter(log logrus.FieldLogger, cfg *config.LocalExportConfig) (Exporter, error) {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing export owner: %w", err)
	}

	return &localExporter{
		log:   log.WithField("component", "local-exporter"),
		dir:   cfg.Dir,
		owner: owner,
	}, nil
}

func (e *localExporter) ExportBatch(
	_ context.Context, batchID string, keys []store.GamingKey,
) (string, error) {
	data, err := encodeCSV(keys)
	if err != nil {
		return "", fmt.Errorf("encoding batch %s: %w", batchID, err)
	}

	if err := fsutil.MkdirAll(e.dir, 0o750, e.owner); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	path := filepath.Join(e.dir, fileName(batchID))
	tmp := path + ".tmp"

	// Keys are secrets; keep the file private to the service user.
	if err := fsutil.WriteFile(tmp, data, 0o600, e.owner); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("renaming %s: %w", tmp, err)
	}

	e.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"keys":     len(keys),
		"path":     path,
	}).Info("Key batch exported")

	return path, nil
}
