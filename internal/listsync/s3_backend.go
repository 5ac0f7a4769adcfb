package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config describes where snapshots live. Objects are stored as
// <Prefix>/<collectionID>.json in Bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional; S3-compatible endpoint such as MinIO
	AccessKeyID     string // optional; default credential chain otherwise
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3StateBackend struct {
	client s3API
	bucket string
	prefix string
}

func NewS3StateBackend(ctx context.Context, cfg S3Config) (*S3StateBackend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})
	return newS3StateBackend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3StateBackend(client s3API, bucket, prefix string) *S3StateBackend {
	return &S3StateBackend{
		client: client,
		bucket: strings.TrimSpace(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}
}

// s3ConfigFromDSN reads s3://bucket/prefix?region=&endpoint=&pathStyle=true.
// Credentials come from the AWS environment unless LISTCACHE_S3_ACCESS_KEY_ID
// is set.
func s3ConfigFromDSN(dsn string) (S3Config, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return S3Config{}, err
	}
	query := parsed.Query()
	cfg := S3Config{
		Bucket:          parsed.Host,
		Prefix:          strings.Trim(parsed.Path, "/"),
		Region:          query.Get("region"),
		Endpoint:        query.Get("endpoint"),
		PathStyle:       strings.EqualFold(query.Get("pathStyle"), "true"),
		AccessKeyID:     os.Getenv("LISTCACHE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("LISTCACHE_S3_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("LISTCACHE_S3_SESSION_TOKEN"),
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("LISTCACHE_S3_REGION")
	}
	if cfg.Bucket == "" {
		return S3Config{}, fmt.Errorf("%w: s3 dsn %q has no bucket", ErrInvalidInput, dsn)
	}
	return cfg, nil
}

func (b *S3StateBackend) key(collectionID string) string {
	name := url.PathEscape(collectionID) + ".json"
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

func (b *S3StateBackend) Load(ctx context.Context, collectionID string) (*CollectionSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	key := b.key(collectionID)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var snapshot CollectionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *S3StateBackend) Save(ctx context.Context, snapshot *CollectionSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := b.key(snapshot.CollectionID)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	return err
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 404
}
