package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// IndexKey is the object holding the listings of a bucket repository
const IndexKey = "index.json"

// S3Config locates a bucket repository
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObjectGetter is the part of the S3 client the repository uses
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Repository serves listings from an index.json object. Download URLs are
// object keys relative to the prefix, or s3://bucket/key.
type S3Repository struct {
	client ObjectGetter
	bucket string
	prefix string
}

// NewS3Repository builds an S3 client from cfg. Static credentials are used
// when both keys are set, otherwise the default credential chain.
func NewS3Repository(ctx context.Context, cfg S3Config) (*S3Repository, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 repository requires a bucket")
	}

	var (
		awsConfig aws.Config
		err       error
	)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewS3RepositoryWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3RepositoryWithClient wraps an existing client
func NewS3RepositoryWithClient(client ObjectGetter, bucket, prefix string) *S3Repository {
	return &S3Repository{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Name implements Repository
func (r *S3Repository) Name() string {
	if r.prefix == "" {
		return "s3://" + r.bucket
	}
	return "s3://" + r.bucket + "/" + r.prefix
}

func (r *S3Repository) key(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "/" + name
}

// Search implements Repository
func (r *S3Repository) Search(ctx context.Context, q Query) ([]Listing, error) {
	all, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	var out []Listing
	for _, l := range all {
		if q.Matches(l) {
			out = append(out, l)
		}
		if len(out) == searchLimit {
			break
		}
	}
	return out, nil
}

// Details implements Repository. The highest version in the index wins.
func (r *S3Repository) Details(ctx context.Context, name string) (*Listing, error) {
	all, err := r.index(ctx)
	if err != nil {
		return nil, err
	}
	var best *Listing
	for i := range all {
		if all[i].Name != name {
			continue
		}
		if best == nil || plugins.CompareVersions(all[i].Version, best.Version) > 0 {
			best = &all[i]
		}
	}
	if best == nil {
		return nil, &plugins.MarketplaceError{Repository: r.Name(), Op: "details", Err: plugins.ErrPluginNotFound}
	}
	return best, nil
}

// Open implements Repository
func (r *S3Repository) Open(ctx context.Context, l Listing) (io.ReadCloser, error) {
	bucket, key := r.bucket, r.key(strings.TrimLeft(l.DownloadURL, "/"))
	if rest, ok := strings.CutPrefix(l.DownloadURL, "s3://"); ok {
		b, k, found := strings.Cut(rest, "/")
		if !found || k == "" {
			return nil, &plugins.MarketplaceError{Repository: r.Name(), Op: "download",
				Err: fmt.Errorf("invalid object url %q", l.DownloadURL)}
		}
		bucket, key = b, k
	}
	return r.get(ctx, "download", bucket, key)
}

func (r *S3Repository) index(ctx context.Context) ([]Listing, error) {
	body, err := r.get(ctx, "search", r.bucket, r.key(IndexKey))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc searchResponse
	if err := json.NewDecoder(io.LimitReader(body, maxResponseSize)).Decode(&doc); err != nil {
		return nil, &plugins.MarketplaceError{Repository: r.Name(), Op: "search",
			Err: fmt.Errorf("malformed index: %w", err)}
	}

	out := make([]Listing, 0, len(doc.Plugins))
	for _, l := range doc.Plugins {
		if l.validate() != nil {
			continue
		}
		l.normalize(r.Name())
		out = append(out, l)
	}
	return out, nil
}

func (r *S3Repository) get(ctx context.Context, op, bucket, key string) (io.ReadCloser, error) {
	ctx, span := observability.StartSpan(ctx, "S3.GetObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "GetObject"),
			attribute.String("s3.bucket", bucket),
			attribute.String("s3.key", key),
		),
	)
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, &plugins.MarketplaceError{Repository: r.Name(), Op: op,
			Err: fmt.Errorf("failed to get object %s: %w", key, err)}
	}
	return result.Body, nil
}
