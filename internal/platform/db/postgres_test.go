package db

import (
	"context"
	"testing"
)

func TestNewRejectsMalformedDSN(t *testing.T) {
	if _, err := New(context.Background(), "://not-a-dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
