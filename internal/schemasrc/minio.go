package schemasrc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"fieldshare/internal/schema"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates the bucket holding converted schema documents.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioSource stores schema trees as JSON objects under schemas/{key}.json.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioSource(cfg MinioConfig) (*MinioSource, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioSource{client: client, bucket: cfg.Bucket, prefix: "schemas/"}, nil
}

func (s *MinioSource) objectName(key string) string {
	return s.prefix + key + ".json"
}

func (s *MinioSource) LoadSchema(ctx context.Context, key string) (schema.Tree, error) {
	if err := ValidateKey(key); err != nil {
		return schema.Tree{}, err
	}
	name := s.objectName(key)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		if isMissing(err) {
			return schema.Tree{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
		}
		return schema.Tree{}, fmt.Errorf("get schema object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMissing(err) {
			return schema.Tree{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, key)
		}
		return schema.Tree{}, fmt.Errorf("read schema object %s: %w", name, err)
	}
	return DecodeTree(name, data)
}

// isMissing treats an absent bucket like an absent object: nothing has been
// published yet.
func isMissing(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}

func (s *MinioSource) ListSchemas(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if info.Err != nil {
			if isMissing(info.Err) {
				return []string{}, nil
			}
			return nil, fmt.Errorf("list schema objects: %w", info.Err)
		}
		base := path.Base(info.Key)
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(base, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// PutSchema uploads tree, creating the bucket on first use.
func (s *MinioSource) PutSchema(ctx context.Context, key string, tree schema.Tree) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	name := s.objectName(key)
	data, err := EncodeTree(name, tree)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put schema object %s: %w", name, err)
	}
	return nil
}
