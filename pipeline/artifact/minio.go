package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible artifact store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate checks required fields.
func (c MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

// MinioStore stores artifacts in an S3-compatible bucket.
//
// Each artifact occupies two objects:
//
//	<id>       payload
//	<id>.meta  JSON metadata
//
// Write-once is enforced by a Stat check before Put; concurrent writers
// racing the same id may both succeed, which is acceptable because the
// payload for a given id is deterministic.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates an S3-backed artifact store and ensures the
// bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	s := &MinioStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMinioStoreWithClient wraps an existing client, for callers that
// manage connection setup themselves.
func NewMinioStoreWithClient(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put stores a new artifact, failing with ErrExists on id collision.
func (s *MinioStore) Put(ctx context.Context, meta Artifact, data []byte) (Artifact, error) {
	if _, err := s.Stat(ctx, meta.ID); err == nil {
		return Artifact{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return Artifact{}, err
	}

	meta = fill(meta, data)
	_, err := s.client.PutObject(ctx, s.bucket, meta.ID, bytes.NewReader(data), meta.Size,
		minio.PutObjectOptions{ContentType: meta.ContentType})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to put artifact: %w", err)
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, meta.ID+".meta", bytes.NewReader(encoded), int64(len(encoded)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to put metadata: %w", err)
	}
	return meta, nil
}

// Get returns the stored payload and metadata for an artifact id.
func (s *MinioStore) Get(ctx context.Context, id string) (Artifact, []byte, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return Artifact{}, nil, ErrNotFound
		}
		return Artifact{}, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return meta, data, nil
}

// Stat returns metadata without fetching the payload.
func (s *MinioStore) Stat(ctx context.Context, id string) (Artifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id+".meta", minio.GetObjectOptions{})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to get metadata: %w", err)
	}
	defer func() { _ = obj.Close() }()

	encoded, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Artifact
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return Artifact{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}

// List returns metadata for every artifact of a run, ordered by name.
func (s *MinioStore) List(ctx context.Context, runID string) ([]Artifact, error) {
	prefix := strings.TrimSuffix(runID, "/") + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	var out []Artifact
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, ".meta") {
			continue
		}
		meta, err := s.Stat(ctx, strings.TrimSuffix(obj.Key, ".meta"))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}
