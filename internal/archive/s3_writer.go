// Package archive exports the transaction log to S3 as JSON Lines files.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"credit_ledger/internal/events"
	"credit_ledger/internal/models"
	"credit_ledger/internal/utils"
)

// Record is one line of an archive file
type Record struct {
	EventID     string              `json:"event_id"`
	Type        events.Type         `json:"type"`
	AccountID   string              `json:"account_id"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
}

// RecordFromEvent flattens an event. Transaction events carry the decoded
// transaction, anything else keeps its raw payload.
func RecordFromEvent(ev events.Event) (*Record, error) {
	rec := &Record{
		EventID:    ev.ID.String(),
		Type:       ev.Type,
		AccountID:  ev.AccountID,
		OccurredAt: ev.OccurredAt,
	}
	if ev.Type != events.TypeTransactionRecorded {
		rec.Payload = ev.Payload
		return rec, nil
	}
	tx, err := ev.Transaction()
	if err != nil {
		return nil, err
	}
	rec.Transaction = tx
	return rec, nil
}

// ObjectPutter is the part of the S3 client the writer uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer handles writing batches of archive records to S3
type S3Writer struct {
	client   ObjectPutter
	bucket   string
	prefix   string
	instance string
	now      func() time.Time
	logger   *utils.Logger
}

// NewS3Writer creates a writer using the default AWS credential chain
func NewS3Writer(ctx context.Context, bucket, region, prefix, instance string) (*S3Writer, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3WriterWithClient(s3.NewFromConfig(cfg), bucket, prefix, instance), nil
}

// NewS3WriterWithClient creates a writer on an existing client
func NewS3WriterWithClient(client ObjectPutter, bucket, prefix, instance string) *S3Writer {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if instance == "" {
		instance = "ledgerd"
	}
	return &S3Writer{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		instance: instance,
		now:      time.Now,
		logger:   utils.NewLogger("s3-writer"),
	}
}

// WithClock replaces the time source used for object keys
func (w *S3Writer) WithClock(now func() time.Time) *S3Writer {
	w.now = now
	return w
}

// Key returns the object key for a batch written at t.
// Format: transactions/2026/10/17/ledgerd-0-20261017-143022-123456789.jsonl
func (w *S3Writer) Key(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		t.Year(),
		t.Month(),
		t.Day(),
		w.instance,
		t.Format("20060102-150405"),
		t.Nanosecond(),
	)
}

// WriteBatch writes records as one JSON Lines object and returns its key.
// An empty batch writes nothing.
func (w *S3Writer) WriteBatch(ctx context.Context, records []*Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	key := w.Key(w.now())

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	written := 0
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("Failed to encode record", "event_id", record.EventID, "error", err)
			continue
		}
		written++
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote archive batch", "key", key, "count", written, "bytes", buf.Len())
	return key, nil
}
