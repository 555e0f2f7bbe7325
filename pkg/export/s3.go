package export

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/keygate/pkg/config"
	"github.com/ethpandaops/keygate/pkg/store"
	"github.com/sirupsen/logrus"
)

const defaultS3Prefix = "key-batches"

// objectPutter is the subset of the S3 client the exporter uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Exporter uploads batches to S3-compatible storage.
type s3Exporter struct {
	log    logrus.FieldLogger
	cfg    *config.S3ExportConfig
	client objectPutter
}

// Ensure interface compliance.
var _ Exporter = (*s3Exporter)(nil)

// NewS3Exporter creates an exporter from the given configuration.
func NewS3Exporter(log logrus.FieldLogger, cfg *config.S3ExportConfig) Exporter {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Exporter{
		log:    log.WithField("component", "s3-exporter"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

func (e *s3Exporter) ExportBatch(
	ctx context.Context, batchID string, keys []store.GamingKey,
) (string, error) {
	data, err := encodeCSV(keys)
	if err != nil {
		return "", fmt.Errorf("encoding batch %s: %w", batchID, err)
	}

	key := e.objectKey(batchID)

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(e.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("text/csv"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("uploading s3://%s/%s: %w", e.cfg.Bucket, key, err)
	}

	location := "s3://" + e.cfg.Bucket + "/" + key

	e.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"keys":     len(keys),
		"location": location,
	}).Info("Key batch exported")

	return location, nil
}

// objectKey builds the S3 key for a batch.
func (e *s3Exporter) objectKey(batchID string) string {
	prefix := e.cfg.Prefix
	if prefix == "" {
		prefix = defaultS3Prefix
	}

	return strings.TrimRight(prefix, "/") + "/" + fileName(batchID)
}
