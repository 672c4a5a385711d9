package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/rx3lixir/codearena/internal/game"
)

// Objects is the slice of the minio client the archive writes through
type Objects interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

// Archive stores submitted source code, one object per submission
type Archive struct {
	client     Objects
	bucketName string
	now        func() time.Time
}

func NewArchive(client Objects, bucketName string) *Archive {
	return &Archive{
		client:     client,
		bucketName: bucketName,
		now:        time.Now,
	}
}

// ArchiveSubmission uploads the submission's code and returns its object key
func (a *Archive) ArchiveSubmission(ctx context.Context, sessionID, username string, sub game.Submission) (string, error) {
	objectName := generateObjectName(a.now(), sessionID, username, sub.Language)

	metadata := map[string]string{
		"session-id": sessionID,
		"username":   username,
		"status":     sub.Status,
		"uploaded":   a.now().UTC().Format(time.RFC3339),
	}
	if sub.SubmissionID != "" {
		metadata["submission-id"] = sub.SubmissionID
	}
	if sub.Language != "" {
		metadata["language"] = sub.Language
	}

	_, err := a.client.PutObject(
		ctx,
		a.bucketName,
		objectName,
		strings.NewReader(sub.Code),
		int64(len(sub.Code)),
		minio.PutObjectOptions{
			ContentType:  "text/plain; charset=utf-8",
			UserMetadata: metadata,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload to minio: %w", err)
	}

	return objectName, nil
}

// generateObjectName creates a consistent S3 key for a submission
func generateObjectName(now time.Time, sessionID, username, language string) string {
	now = now.UTC()
	return fmt.Sprintf(
		"submissions/%d/%02d/%02d/%s/%s-%s.%s",
		now.Year(),
		now.Month(),
		now.Day(),
		sessionID,
		username,
		uuid.NewString(),
		extension(language),
	)
}

func extension(language string) string {
	switch strings.ToLower(language) {
	case "javascript", "js", "node":
		return "js"
	case "typescript", "ts":
		return "ts"
	case "python", "python3", "py":
		return "py"
	case "go", "golang":
		return "go"
	case "java":
		return "java"
	case "c":
		return "c"
	case "c++", "cpp":
		return "cpp"
	case "c#", "csharp", "cs":
		return "cs"
	case "rust", "rs":
		return "rs"
	case "ruby", "rb":
		return "rb"
	case "php":
		return "php"
	default:
		return "txt"
	}
}
