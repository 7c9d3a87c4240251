// Package artifacts stores files produced inside sandboxes, keyed by
// sandbox id. The filesystem backend is the default; the S3 backend mirrors
// artifacts to a bucket for multi-node deployments.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrArtifactNotFound is returned for unknown artifact names.
var ErrArtifactNotFound = errors.New("artifacts: not found")

// Store persists sandbox artifacts.
type Store interface {
	// Put stores content under sandboxID/name and returns a stable ref.
	Put(ctx context.Context, sandboxID, name string, content []byte) (string, error)
	// Get retrieves content by the ref returned from Put.
	Get(ctx context.Context, ref string) ([]byte, error)
	// List returns refs for all artifacts of a sandbox.
	List(ctx context.Context, sandboxID string) ([]string, error)
	// Remove deletes all artifacts of a sandbox.
	Remove(ctx context.Context, sandboxID string) error
}

// FSStore keeps artifacts under root/<sandbox-id>/<name>.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Dir returns the directory for a sandbox, creating it.
func (s *FSStore) Dir(sandboxID string) (string, error) {
	dir := filepath.Join(s.root, filepath.Base(sandboxID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("artifacts: create dir: %w", err)
	}
	return dir, nil
}

func (s *FSStore) Put(_ context.Context, sandboxID, name string, content []byte) (string, error) {
	dir, err := s.Dir(sandboxID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	return path, nil
}

func (s *FSStore) Get(_ context.Context, ref string) ([]byte, error) {
	b, err := os.ReadFile(ref)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	return b, err
}

func (s *FSStore) List(_ context.Context, sandboxID string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.Base(sandboxID))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			refs = append(refs, filepath.Join(dir, e.Name()))
		}
	}
	return refs, nil
}

func (s *FSStore) Remove(_ context.Context, sandboxID string) error {
	return os.RemoveAll(filepath.Join(s.root, filepath.Base(sandboxID)))
}

// S3Store keeps artifacts under s3://bucket/prefix/<sandbox-id>/<name>.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds a store from the default AWS config chain.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3Store) key(sandboxID, name string) string {
	parts := []string{sandboxID, name}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (s *S3Store) Put(ctx context.Context, sandboxID, name string, content []byte) (string, error) {
	key := s.key(sandboxID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: s3 put: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	key := strings.TrimPrefix(ref, "s3://"+s.bucket+"/")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *S3Store) List(ctx context.Context, sandboxID string) ([]string, error) {
	prefix := s.key(sandboxID, "")
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: s3 list: %w", err)
	}
	refs := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		refs = append(refs, "s3://"+s.bucket+"/"+aws.ToString(obj.Key))
	}
	return refs, nil
}

func (s *S3Store) Remove(ctx context.Context, sandboxID string) error {
	refs, err := s.List(ctx, sandboxID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		key := strings.TrimPrefix(ref, "s3://"+s.bucket+"/")
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("artifacts: s3 delete: %w", err)
		}
	}
	return nil
}
