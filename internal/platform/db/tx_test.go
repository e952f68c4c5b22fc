package db

import (
	"context"
	"errors"
	"testing"
)

func TestNoopTxRunner(t *testing.T) {
	called := false
	err := NoopTxRunner{}.WithTx(context.Background(), func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) != nil {
			t.Error("expected no transaction in context")
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected fn to run, err=%v", err)
	}

	want := errors.New("boom")
	if err := (NoopTxRunner{}).WithTx(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected error to propagate, got %v", err)
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil transaction")
	}
}
