package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSArchiver uploads flushed batches of Items as newline-delimited JSON to
// Google Cloud Storage, optional cold-storage archival alongside the
// PostgresWriter. Adapted from the teacher's GCSClient.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver dials a GCS client scoped to the given bucket.
func NewGCSArchiver(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

// Close releases the underlying GCS client.
func (a *GCSArchiver) Close() error { return a.client.Close() }

// UploadBatch writes items as JSONL to
// extractions/<jobID>/<timestamp>.jsonl and returns the gs:// path.
func (a *GCSArchiver) UploadBatch(ctx context.Context, jobID string, items []Item, uploadedAt time.Time) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	var body strings.Builder
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("sink: marshal item for gcs: %w", err)
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	objectPath := fmt.Sprintf("extractions/%s/%d.jsonl", jobID, uploadedAt.UnixNano())
	obj := a.client.Bucket(a.bucket).Object(objectPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	writer.Metadata = map[string]string{"job_id": jobID, "item_count": fmt.Sprintf("%d", len(items))}

	if _, err := writer.Write([]byte(body.String())); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("sink: write gcs object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sink: close gcs writer: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectPath), nil
}

// DownloadBatch reads a gs:// JSONL path back into Items, for replay or
// debugging.
func (a *GCSArchiver) DownloadBatch(ctx context.Context, gcsPath string) ([]Item, error) {
	prefix := fmt.Sprintf("gs://%s/", a.bucket)
	if !strings.HasPrefix(gcsPath, prefix) {
		return nil, fmt.Errorf("sink: path %q is not in bucket %s", gcsPath, a.bucket)
	}
	objectPath := strings.TrimPrefix(gcsPath, prefix)

	reader, err := a.client.Bucket(a.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("sink: open gcs object: %w", err)
	}
	defer reader.Close()

	var items []Item
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("sink: decode gcs line: %w", err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sink: scan gcs object: %w", err)
	}
	return items, nil
}
