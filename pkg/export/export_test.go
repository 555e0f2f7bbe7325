package export

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/store"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func sampleKeys() []store.GamingKey {
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	return []store.GamingKey{
		{
			KeyID: "AAAAA-BBBBB", ServiceID: "svc", GameID: "chess", MaxDevices: 2,
			DurationHours: 24, CostPerDevice: 500, TotalCost: 1000, Currency: "USD", ExpiresAt: expires,
		},
		{
			KeyID: "CCCCC-DDDDD", ServiceID: "svc", MaxDevices: 2,
			DurationHours: 24, CostPerDevice: 500, TotalCost: 1000, Currency: "USD", ExpiresAt: expires,
		},
	}
}

func TestNewLocalExporter_InvalidOwner(t *testing.T) {
	_, err := NewLocalExporter(testLogger(), &config.LocalExportConfig{Dir: t.TempDir(), Owner: "nobody"})
	assert.Error(t, err)
}

func TestLocalExporter_WritesCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	exp, err := NewLocalExporter(testLogger(), &config.LocalExportConfig{Dir: dir})
	require.NoError(t, err)

	path, err := exp.ExportBatch(context.Background(), "batch-1", sampleKeys())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "batch-1.csv"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)

	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"AAAAA-BBBBB", "svc", "chess", "2", "24", "500", "1000", "USD", "2026-06-01T00:00:00Z",
	}, rows[1])
	assert.Empty(t, rows[2][2])
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(
	_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.input = in

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.body = body

	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter_UploadsUnderPrefix(t *testing.T) {
	putter := &fakePutter{}
	exp := &s3Exporter{
		log:    testLogger(),
		cfg:    &config.S3ExportConfig{Bucket: "resellers", Prefix: "exports/"},
		client: putter,
	}

	loc, err := exp.ExportBatch(context.Background(), "batch-9", sampleKeys())
	require.NoError(t, err)
	assert.Equal(t, "s3://resellers/exports/batch-9.csv", loc)
	assert.Equal(t, "exports/batch-9.csv", aws.ToString(putter.input.Key))
	assert.Equal(t, "text/csv", aws.ToString(putter.input.ContentType))
	assert.Contains(t, string(putter.body), "CCCCC-DDDDD")
}

func TestS3Exporter_PropagatesErrors(t *testing.T) {
	exp := &s3Exporter{
		log:    testLogger(),
		cfg:    &config.S3ExportConfig{Bucket: "resellers"},
		client: &fakePutter{err: errors.New("access denied")},
	}

	_, err := exp.ExportBatch(context.Background(), "batch-9", sampleKeys())
	assert.ErrorContains(t, err, "access denied")
}

func TestS3Exporter_ObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "key-batches/b1.csv"},
		{name: "custom prefix", prefix: "org-1/batches", want: "org-1/batches/b1.csv"},
		{name: "trailing slash stripped", prefix: "p/", want: "p/b1.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &s3Exporter{cfg: &config.S3ExportConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, e.objectKey("b1"))
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(testLogger(), &config.ExportConfig{Backend: "ftp"})
	assert.Error(t, err)
}
