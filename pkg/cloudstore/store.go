package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/types"
)

// ErrNotFound is returned by Head when the object does not exist
var ErrNotFound = errors.New("cloudstore: object not found")

const (
	defaultMultipartThreshold = 100 << 20 // 100 MiB
	defaultPartSize           = 10 << 20  // 10 MiB
	defaultConcurrency        = 5
)

// Credentials are injected by the calling layer; this package never
// reads them from the environment
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Options configure a Store
type Options struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint for non-AWS object stores
	Endpoint string

	// Prefix is prepended to every key
	Prefix string

	Credentials Credentials

	// ProxyURL routes uploads through a forward proxy when set
	ProxyURL string

	// MultipartThreshold selects between single-shot and multipart
	// upload by artifact size
	MultipartThreshold int64

	// PartSize and Concurrency tune the multipart path
	PartSize    int64
	Concurrency int

	// HTTPClient overrides the transport, taking precedence over
	// ProxyURL
	HTTPClient *http.Client
}

// ObjectInfo is what a Head reports about a stored object
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// UploadResult describes a finished upload
type UploadResult struct {
	Key       string
	Size      int64
	Multipart bool
}

// Store uploads artifacts to an S3-compatible object store and answers
// the authoritative existence checks the verify phase relies on.
type Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	threshold int64
	logger    zerolog.Logger
}

// New builds a Store. Credentials, region and endpoint come from the
// caller; nothing is resolved from ambient AWS configuration unless the
// injected credentials are empty.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("cloudstore: bucket is required")
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = defaultMultipartThreshold
	}
	if opts.PartSize <= 0 {
		opts.PartSize = defaultPartSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Credentials.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				opts.Credentials.AccessKeyID,
				opts.Credentials.SecretAccessKey,
				opts.Credentials.SessionToken,
			)))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil && opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("cloudstore: parse proxy url: %w", err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	if httpClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(httpClient))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// Non-AWS stores rarely speak virtual-hosted addressing
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = opts.PartSize
		u.Concurrency = opts.Concurrency
	})

	return &Store{
		client:    client,
		uploader:  uploader,
		bucket:    opts.Bucket,
		prefix:    strings.Trim(opts.Prefix, "/"),
		threshold: opts.MultipartThreshold,
		logger:    log.WithComponent("cloudstore"),
	}, nil
}

// Upload streams a local file to the object store under the given key.
// Files at or above the multipart threshold go through the parallel
// multipart uploader; smaller ones through a single PutObject.
func (s *Store) Upload(ctx context.Context, key, localPath string) (*UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: open %s: %w", localPath, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	fullKey := s.withPrefix(key)
	multipart := size >= s.threshold

	s.logger.Info().
		Str("key", fullKey).
		Int64("size", size).
		Bool("multipart", multipart).
		Msg("Uploading artifact")

	if multipart {
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(fullKey),
			Body:   f,
		})
	} else {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(fullKey),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("cloudstore: upload %s: %w", fullKey, err)
	}

	metrics.UploadBytes.Add(float64(size))
	return &UploadResult{Key: key, Size: size, Multipart: multipart}, nil
}

// Head reports size and ETag of a stored object. This is the only
// success signal the pipeline trusts: the upload transport can report
// spurious failures after the bytes landed.
func (s *Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(key)),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		var ae smithy.APIError
		if errors.As(err, &ae) {
			switch ae.ErrorCode() {
			case "NotFound", "NoSuchKey":
				return nil, ErrNotFound
			}
		}
		return nil, fmt.Errorf("cloudstore: head %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// Delete removes an object, used only by operator tooling
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(key)),
	})
	return err
}

func (s *Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Key builds the deterministic object key for an artifact. Collection
// tools stamp the timestamp and hostname into the artifact name, so the
// name itself is the final path segment.
func Key(tool types.Tool, hostname, artifact string) string {
	return fmt.Sprintf("%s/%s/%s", tool, hostname, artifact)
}
