package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Runs only against a real database: POSTGRES_TEST_DSN=postgres://... go test ./internal/storage
func TestPostgresStorage_RoundTrip(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStorage(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStorage failed: %v", err)
	}
	defer s.Close()

	protocols := []*types.ProtocolDescriptor{{ID: "pg1", Type: types.ProtocolWireGuard, Host: "10.0.0.1", Port: 51820, Transport: types.TransportUDP}}
	if err := s.SaveProtocols(ctx, protocols); err != nil {
		t.Fatalf("SaveProtocols failed: %v", err)
	}
	got, err := s.LoadProtocols(ctx)
	if err != nil || len(got) != 1 || got[0].Transport != types.TransportUDP {
		t.Fatalf("unexpected protocols %v, %v", got, err)
	}

	subs := []types.Subscriber{{UserID: 7, AddedAt: time.Now().UTC().Truncate(time.Second)}}
	if err := s.SaveSubscribers(ctx, subs); err != nil {
		t.Fatalf("SaveSubscribers failed: %v", err)
	}
	gotSubs, err := s.LoadSubscribers(ctx)
	if err != nil || len(gotSubs) != 1 || gotSubs[0].UserID != 7 {
		t.Fatalf("unexpected subscribers %v, %v", gotSubs, err)
	}
}
