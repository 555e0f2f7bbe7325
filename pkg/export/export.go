// Package export writes generated key batches to disk or object storage
// so they can be handed to resellers.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

// Exporter persists a committed key batch.
type Exporter interface {
	// ExportBatch writes the batch and returns its location.
	ExportBatch(ctx context.Context, batchID string, keys []store.GamingKey) (string, error)
}

var csvHeader = []string{
	"key_id", "service_id", "game_id", "max_devices", "duration_hours",
	"cost_per_device", "total_cost", "currency", "expires_at",
}

// New builds the exporter selected by cfg.Backend.
func New(log logrus.FieldLogger, cfg *config.ExportConfig) (Exporter, error) {
	switch cfg.Backend {
	case config.ExportBackendLocal:
		return NewLocalExporter(log, &cfg.Local)
	case config.ExportBackendS3:
		return NewS3Exporter(log, &cfg.S3), nil
	default:
		return nil, fmt.Errorf("unsupported export backend %q", cfg.Backend)
	}
}

// encodeCSV renders keys as CSV with a header row.
func encodeCSV(keys []store.GamingKey) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	for _, k := range keys {
		if err := w.Write([]string{
			k.KeyID,
			k.ServiceID,
			k.GameID,
			strconv.Itoa(k.MaxDevices),
			strconv.Itoa(k.DurationHours),
			strconv.FormatInt(k.CostPerDevice, 10),
			strconv.FormatInt(k.TotalCost, 10),
			k.Currency,
			k.ExpiresAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, fmt.Errorf("writing row: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}

	return buf.Bytes(), nil
}

func fileName(batchID string) string {
	return batchID + ".csv"
}
