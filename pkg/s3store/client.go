// Package s3store is a thin capability layer over S3 multipart uploads.
//
// It hides SDK specifics from the journal pipeline and surfaces typed
// errors so callers can tell a vanished upload (already finalized) from a
// transient outage.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// MinPartSize is the smallest non-terminal part S3 accepts.
	MinPartSize = 5 * 1024 * 1024

	// MaxPartsPerFile is the number of parts this system packs into one
	// multipart object before rolling to a new file. S3 itself allows
	// 10000; keeping files to 500 parts bounds recovery listing cost.
	MaxPartsPerFile = 500
)

// API is the subset of the S3 client the adapter uses. *s3.Client
// satisfies it; tests substitute an in-memory fake.
type API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// Descriptor identifies an in-progress multipart upload.
type Descriptor struct {
	Bucket   string
	Key      string
	UploadID string
}

// Part is the outcome of one uploaded part.
type Part struct {
	PartNumber int32
	ETag       string
	Size       int64
	Last       bool
}

// Upload is one in-progress multipart upload returned by ListMultipart.
type Upload struct {
	Key      string
	UploadID string
}

// Config configures the adapter.
type Config struct {
	// MinPartSize overrides the non-terminal part floor. Tests shrink it;
	// production leaves it at MinPartSize.
	MinPartSize int64
}

// Client adapts an S3 API to the journal's multipart operations.
type Client struct {
	api         API
	minPartSize int64
}

// New creates an adapter around an existing S3 API.
func New(api API, cfg Config) *Client {
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = MinPartSize
	}
	return &Client{api: api, minPartSize: cfg.MinPartSize}
}

// NewFromCredentials builds an S3 client from static credentials, or from
// the default AWS config chain when accessKey is empty.
func NewFromCredentials(ctx context.Context, accessKey, secretKey, region string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), Config{}), nil
}

// Init creates a fresh multipart upload for key.
func (c *Client) Init(ctx context.Context, bucket, key string) (Descriptor, error) {
	out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("init multipart s3://%s/%s: %w", bucket, key, err)
	}
	return Descriptor{
		Bucket:   bucket,
		Key:      key,
		UploadID: aws.ToString(out.UploadId),
	}, nil
}

// UploadPart uploads one part. Non-terminal parts must exceed the
// configured part floor; S3 rejects them otherwise, so the adapter does
// too rather than burning a round trip. A 404 means the upload was already
// aborted or finalized and maps to ErrNotFound.
func (c *Client) UploadPart(ctx context.Context, desc Descriptor, partNumber int32, data []byte, last bool) (Part, error) {
	if partNumber < 1 || partNumber > MaxPartsPerFile {
		return Part{}, fmt.Errorf("upload part %s: part number %d out of range [1,%d]", desc.Key, partNumber, MaxPartsPerFile)
	}
	if !last && int64(len(data)) <= c.minPartSize {
		return Part{}, fmt.Errorf("upload part %s #%d: non-terminal part of %d bytes under floor %d", desc.Key, partNumber, len(data), c.minPartSize)
	}
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(desc.Bucket),
		Key:           aws.String(desc.Key),
		UploadId:      aws.String(desc.UploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		if IsNotFound(err) {
			return Part{}, fmt.Errorf("upload part %s #%d: %w", desc.Key, partNumber, ErrNotFound)
		}
		return Part{}, fmt.Errorf("upload part %s #%d: %w", desc.Key, partNumber, err)
	}
	return Part{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		Size:       int64(len(data)),
		Last:       last,
	}, nil
}

// Complete finalizes a multipart upload from the given parts, sorted by
// ascending part number. An empty part list aborts the upload instead:
// S3 refuses zero-part completion. A 404 means another process already
// completed it and is treated as success.
func (c *Client) Complete(ctx context.Context, desc Descriptor, parts []Part) error {
	if len(parts) == 0 {
		return c.Abort(ctx, desc)
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
	}

	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(desc.Bucket),
		Key:      aws.String(desc.Key),
		UploadId: aws.String(desc.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("complete multipart s3://%s/%s: %w", desc.Bucket, desc.Key, err)
	}
	return nil
}

// Abort abandons a multipart upload. A 404 is treated as success.
func (c *Client) Abort(ctx context.Context, desc Descriptor) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(desc.Bucket),
		Key:      aws.String(desc.Key),
		UploadId: aws.String(desc.UploadID),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("abort multipart s3://%s/%s: %w", desc.Bucket, desc.Key, err)
	}
	return nil
}

// ListComplete returns the keys of completed objects under prefix.
func (c *Client) ListComplete(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// ListMultipart returns in-progress multipart uploads under prefix.
func (c *Client) ListMultipart(ctx context.Context, bucket, prefix string) ([]Upload, error) {
	var uploads []Upload
	var keyMarker, idMarker *string
	for {
		out, err := c.api.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(bucket),
			Prefix:         aws.String(prefix),
			KeyMarker:      keyMarker,
			UploadIdMarker: idMarker,
		})
		if err != nil {
			return nil, fmt.Errorf("list multipart s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, Upload{
				Key:      aws.ToString(u.Key),
				UploadID: aws.ToString(u.UploadId),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker = out.NextKeyMarker
		idMarker = out.NextUploadIdMarker
	}
	return uploads, nil
}

// ListParts returns the already-uploaded parts of a multipart upload.
func (c *Client) ListParts(ctx context.Context, desc Descriptor) ([]Part, error) {
	var parts []Part
	var marker *string
	for {
		out, err := c.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(desc.Bucket),
			Key:              aws.String(desc.Key),
			UploadId:         aws.String(desc.UploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			if IsNotFound(err) {
				return nil, fmt.Errorf("list parts %s: %w", desc.Key, ErrNotFound)
			}
			return nil, fmt.Errorf("list parts %s: %w", desc.Key, err)
		}
		for _, p := range out.Parts {
			parts = append(parts, Part{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}
