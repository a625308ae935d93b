package objstore

import (
	"bytes"
	"context"
	"testing"
)

var (
	_ Store = (*MinioStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func TestObjectKeyIsStable(t *testing.T) {
	k1 := ObjectKey("B8F862F9CFB8", "image_1748764980000.jpg")
	k2 := ObjectKey("B8F862F9CFB8", "image_1748764980000.jpg")
	if k1 != k2 {
		t.Fatalf("key not deterministic: %q vs %q", k1, k2)
	}
	if k1 != "images/B8F862F9CFB8/image_1748764980000.jpg" {
		t.Fatalf("unexpected key layout: %q", k1)
	}
}

func TestMemoryPutOverwritesSameKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := ObjectKey("dev", "a.jpg")

	if _, err := s.Put(ctx, key, []byte{1, 2}, "image/jpeg"); err != nil {
		t.Fatalf("put: %v", err)
	}
	// a retried upload lands on the same object
	if _, err := s.Put(ctx, key, []byte{3, 4}, "image/jpeg"); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("retry created a second object, %d keys", s.Len())
	}
	b, ok := s.Object(key)
	if !ok || !bytes.Equal(b, []byte{3, 4}) {
		t.Fatalf("object bytes: %v", b)
	}

	ok, err := s.Stat(ctx, key)
	if err != nil || !ok {
		t.Fatalf("stat: %v %v", ok, err)
	}
	ok, err = s.Stat(ctx, ObjectKey("dev", "missing.jpg"))
	if err != nil || ok {
		t.Fatalf("stat missing: %v %v", ok, err)
	}
}
