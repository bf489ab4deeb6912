// Copyright 2025 Certen Protocol

package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
)

func TestStubApplyReturnsNotImplemented(t *testing.T) {
	var c Collaborator = Stub{}
	_, err := c.Apply(context.Background(), cid.Undef, BlockMeta{Height: 1}, []byte("msg"))
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
