package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"

	"crm_server/server/common/log"
)

// RecordingArchiver copies a completed call's provider recording into object
// storage, keyed by tenant so recordings can never be listed across a tenant
// boundary. Runs after the completion transition commits; failures leave the
// provider URL as the recording reference.
type RecordingArchiver struct {
	client *minio.Client
	bucket string
	http   *http.Client
}

func NewRecordingArchiver(client *minio.Client, bucket string) *RecordingArchiver {
	return &RecordingArchiver{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *RecordingArchiver) Archive(ctx context.Context, tenantID, callID, recordingURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch recording: provider returned %d", resp.StatusCode)
	}

	objectKey := fmt.Sprintf("%s/%s.mp3", tenantID, callID)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	_, err = a.client.PutObject(ctx, a.bucket, objectKey, resp.Body, resp.ContentLength, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("store recording: %w", err)
	}
	log.Infof("event=call_recording action=archive status=ok tenant_id=%s call_id=%s object_key=%s", tenantID, callID, objectKey)
	return fmt.Sprintf("s3://%s/%s", a.bucket, objectKey), nil
}
