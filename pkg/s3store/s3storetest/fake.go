// Package s3storetest provides an in-memory implementation of the
// s3store.API surface with fault injection, for exercising the journal
// pipeline without a real object store.
package s3storetest

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type upload struct {
	key   string
	parts map[int32][]byte
	etags map[int32]string
}

// Fake is an in-memory S3 with multipart semantics: parts overwrite by
// number, completion concatenates in the order the request lists them,
// and operations against unknown upload IDs fail with NoSuchUpload.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
	sizes   map[string][]int64 // part sizes per completed key, in part order
	uploads map[string]*upload
	nextID  int
	rng     *rand.Rand

	// FailProb injects a transient failure with this probability on
	// every Create/UploadPart/Complete call.
	FailProb float64

	// Outage, when non-nil, fails the named operation ("create",
	// "upload-part", "complete") while it returns true.
	Outage func(op string) bool
}

// New creates an empty fake with a deterministic fault source.
func New() *Fake {
	return &Fake{
		objects: make(map[string][]byte),
		sizes:   make(map[string][]int64),
		uploads: make(map[string]*upload),
		rng:     rand.New(rand.NewSource(1)),
	}
}

func transientErr(op string) error {
	return &smithy.GenericAPIError{Code: "InternalError", Message: "injected fault: " + op}
}

func notFoundErr() error {
	return &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "no such upload"}
}

// faultLocked rolls the injected fault sources. Caller holds mu.
func (f *Fake) faultLocked(op string) error {
	if f.Outage != nil && f.Outage(op) {
		return transientErr(op)
	}
	if f.FailProb > 0 && f.rng.Float64() < f.FailProb {
		return transientErr(op)
	}
	return nil
}

// Object returns a completed object's content.
func (f *Fake) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

// Keys returns all completed object keys, sorted.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PartSizes returns the per-part sizes of a completed object in part
// order.
func (f *Fake) PartSizes(key string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sizes[key]...)
}

// PendingUploads returns how many multipart uploads were never completed
// or aborted.
func (f *Fake) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// CreateMultipartUpload implements s3store.API.
func (f *Fake) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.faultLocked("create"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("upload-%04d", f.nextID)
	f.uploads[id] = &upload{
		key:   aws.ToString(in.Key),
		parts: make(map[int32][]byte),
		etags: make(map[int32]string),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

// UploadPart implements s3store.API.
func (f *Fake) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.faultLocked("upload-part"); err != nil {
		return nil, err
	}
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, notFoundErr()
	}
	num := aws.ToInt32(in.PartNumber)
	etag := fmt.Sprintf("%x", md5.Sum(data))
	up.parts[num] = data
	up.etags[num] = etag
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

// CompleteMultipartUpload implements s3store.API. The request may name a
// part at most once, and every named part must have been uploaded with the
// given etag; uploaded parts the request leaves out are not in the object.
func (f *Fake) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.faultLocked("complete"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, notFoundErr()
	}

	var content []byte
	var sizes []int64
	seen := make(map[int32]bool)
	for _, p := range in.MultipartUpload.Parts {
		num := aws.ToInt32(p.PartNumber)
		if seen[num] {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: fmt.Sprintf("part %d listed twice", num)}
		}
		seen[num] = true
		data, ok := up.parts[num]
		if !ok || up.etags[num] != aws.ToString(p.ETag) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d missing or etag mismatch", num)}
		}
		content = append(content, data...)
		sizes = append(sizes, int64(len(data)))
	}

	f.objects[up.key] = content
	f.sizes[up.key] = sizes
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(up.key)}, nil
}

// AbortMultipartUpload implements s3store.API.
func (f *Fake) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, notFoundErr()
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

// ListObjectsV2 implements s3store.API without pagination.
func (f *Fake) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var contents []types.Object
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	sort.Slice(contents, func(i, j int) bool {
		return aws.ToString(contents[i].Key) < aws.ToString(contents[j].Key)
	})
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

// ListMultipartUploads implements s3store.API without pagination.
func (f *Fake) ListMultipartUploads(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var ups []types.MultipartUpload
	for id, up := range f.uploads {
		if strings.HasPrefix(up.key, prefix) {
			ups = append(ups, types.MultipartUpload{
				Key:      aws.String(up.key),
				UploadId: aws.String(id),
			})
		}
	}
	sort.Slice(ups, func(i, j int) bool {
		return aws.ToString(ups[i].Key) < aws.ToString(ups[j].Key)
	})
	return &s3.ListMultipartUploadsOutput{Uploads: ups}, nil
}

// ListParts implements s3store.API without pagination.
func (f *Fake) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, notFoundErr()
	}
	nums := make([]int32, 0, len(up.parts))
	for num := range up.parts {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	parts := make([]types.Part, 0, len(nums))
	for _, num := range nums {
		parts = append(parts, types.Part{
			PartNumber: aws.Int32(num),
			ETag:       aws.String(up.etags[num]),
			Size:       aws.Int64(int64(len(up.parts[num]))),
		})
	}
	return &s3.ListPartsOutput{Parts: parts}, nil
}
