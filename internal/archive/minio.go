package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"drivesync/internal/config"
	"drivesync/internal/ds"
)

// MinioArchive stores reports and metadata in an S3-compatible object store
// such as MinIO or a TrueNAS S3 service.
type MinioArchive struct {
	name   string
	bucket string
	prefix string
	mc     *minio.Client
}

// NewMinioArchive creates an archive backed by minio-go.
func NewMinioArchive(cfg config.ArchiveConfig) (*MinioArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio archive requires a bucket")
	}
	endpoint, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		return nil, fmt.Errorf("minio archive requires an endpoint")
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioArchive{
		name:   cfg.Name,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		mc:     mc,
	}, nil
}

// normalizeEndpoint strips a scheme from endpoint. A scheme, when present,
// wins over the use_ssl flag.
func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			secure = u.Scheme == "https"
			return u.Host, secure
		}
	}
	return endpoint, secure
}

func (a *MinioArchive) key(k string) string {
	if a.prefix == "" {
		return k
	}
	return path.Join(a.prefix, k)
}

func (a *MinioArchive) put(key string, r io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	info, err := a.mc.PutObject(ctx, a.bucket, a.key(key), r, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if info.Size != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, info.Size)
	}
	return nil
}

func (a *MinioArchive) get(key string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	obj, err := a.mc.GetObject(ctx, a.bucket, a.key(key), minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	if _, err := io.Copy(w, obj); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

func (a *MinioArchive) PutReport(name string, r io.Reader, size int64) error {
	return a.put(reportKey(name), r, size)
}

func (a *MinioArchive) GetReport(name string, w io.Writer) error {
	return a.get(reportKey(name), w)
}

func (a *MinioArchive) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	if err := a.put(metadataKey(hostID, name), r, size); err != nil {
		return err
	}
	v := strconv.FormatInt(version, 10)
	return a.put(versionKey(hostID, name), strings.NewReader(v), int64(len(v)))
}

func (a *MinioArchive) GetMetadataVersion(hostID string, name string) (int64, error) {
	var buf strings.Builder
	if err := a.get(versionKey(hostID, name), &buf); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return parseVersion([]byte(buf.String()))
}

// ValidateSetup checks that the bucket exists.
func (a *MinioArchive) ValidateSetup() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ok, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", a.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

var _ ds.Archive = (*MinioArchive)(nil)
