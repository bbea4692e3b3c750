package s3store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/eunmann/s3-journal/pkg/s3store"
	"github.com/eunmann/s3-journal/pkg/s3store/s3storetest"
)

func newClient(t *testing.T) (*s3store.Client, *s3storetest.Fake) {
	t.Helper()
	fake := s3storetest.New()
	return s3store.New(fake, s3store.Config{MinPartSize: 64}), fake
}

func TestUploadPartRejectsSmallNonTerminal(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	desc, err := client.Init(ctx, "bucket", "2026/01/01/a-000000.journal")
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := client.UploadPart(ctx, desc, 1, make([]byte, 10), false); err == nil {
		t.Error("expected error for non-terminal part under the floor")
	}
	if _, err := client.UploadPart(ctx, desc, 1, make([]byte, 10), true); err != nil {
		t.Errorf("terminal part under the floor: %v", err)
	}
}

func TestUploadPartRejectsBadPartNumber(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	desc, _ := client.Init(ctx, "bucket", "k")

	if _, err := client.UploadPart(ctx, desc, 0, nil, true); err == nil {
		t.Error("expected error for part number 0")
	}
	if _, err := client.UploadPart(ctx, desc, s3store.MaxPartsPerFile+1, nil, true); err == nil {
		t.Error("expected error for part number past the limit")
	}
}

func TestUploadPartVanishedUpload(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	desc, _ := client.Init(ctx, "bucket", "k")
	if err := client.Abort(ctx, desc); err != nil {
		t.Fatalf("abort: %v", err)
	}

	_, err := client.UploadPart(ctx, desc, 1, make([]byte, 128), false)
	if !errors.Is(err, s3store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteConcatenatesInPartOrder(t *testing.T) {
	client, fake := newClient(t)
	ctx := context.Background()
	desc, _ := client.Init(ctx, "bucket", "k")

	p2, err := client.UploadPart(ctx, desc, 2, []byte("-second"), true)
	if err != nil {
		t.Fatalf("upload part 2: %v", err)
	}
	p1, err := client.UploadPart(ctx, desc, 1, bytes.Repeat([]byte("x"), 100), false)
	if err != nil {
		t.Fatalf("upload part 1: %v", err)
	}

	// Deliberately unsorted: Complete must order by part number.
	if err := client.Complete(ctx, desc, []s3store.Part{p2, p1}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	content, ok := fake.Object("k")
	if !ok {
		t.Fatal("object missing after complete")
	}
	want := append(bytes.Repeat([]byte("x"), 100), []byte("-second")...)
	if !bytes.Equal(content, want) {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestCompleteWithNoPartsAborts(t *testing.T) {
	client, fake := newClient(t)
	ctx := context.Background()
	desc, _ := client.Init(ctx, "bucket", "k")

	if err := client.Complete(ctx, desc, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := fake.PendingUploads(); n != 0 {
		t.Errorf("pending uploads = %d, want 0", n)
	}
	if _, ok := fake.Object("k"); ok {
		t.Error("object exists after zero-part complete")
	}
}

func TestCompleteTwiceIsIdempotent(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	desc, _ := client.Init(ctx, "bucket", "k")

	part, err := client.UploadPart(ctx, desc, 1, []byte("only"), true)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	parts := []s3store.Part{part}
	if err := client.Complete(ctx, desc, parts); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	// The upload is gone; the 404 maps to success.
	if err := client.Complete(ctx, desc, parts); err != nil {
		t.Errorf("second complete: %v", err)
	}
}

func TestAbortMissingUploadIsIdempotent(t *testing.T) {
	client, _ := newClient(t)
	desc := s3store.Descriptor{Bucket: "bucket", Key: "k", UploadID: "never-existed"}
	if err := client.Abort(context.Background(), desc); err != nil {
		t.Errorf("abort: %v", err)
	}
}

func TestListCompleteFiltersByPrefix(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	for _, key := range []string{"2026/01/01/a-000000.journal", "2026/01/02/a-000000.journal"} {
		desc, _ := client.Init(ctx, "bucket", key)
		part, err := client.UploadPart(ctx, desc, 1, []byte("data"), true)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if err := client.Complete(ctx, desc, []s3store.Part{part}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	keys, err := client.ListComplete(ctx, "bucket", "2026/01/01/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "2026/01/01/a-000000.journal" {
		t.Errorf("keys = %v, want the 01/01 object only", keys)
	}
}

func TestListMultipartAndParts(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	desc, _ := client.Init(ctx, "bucket", "2026/01/01/a-000000.journal")
	if _, err := client.UploadPart(ctx, desc, 1, bytes.Repeat([]byte("y"), 100), false); err != nil {
		t.Fatalf("upload: %v", err)
	}

	ups, err := client.ListMultipart(ctx, "bucket", "2026/01/01/")
	if err != nil {
		t.Fatalf("list multipart: %v", err)
	}
	if len(ups) != 1 || ups[0].Key != desc.Key || ups[0].UploadID != desc.UploadID {
		t.Fatalf("uploads = %+v, want the open upload", ups)
	}

	parts, err := client.ListParts(ctx, desc)
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(parts) != 1 || parts[0].PartNumber != 1 || parts[0].Size != 100 {
		t.Errorf("parts = %+v, want one part of 100 bytes", parts)
	}
}

func TestListPartsVanishedUpload(t *testing.T) {
	client, _ := newClient(t)
	desc := s3store.Descriptor{Bucket: "bucket", Key: "k", UploadID: "gone"}
	_, err := client.ListParts(context.Background(), desc)
	if !errors.Is(err, s3store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
