package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"bullywork/pkg/storage/storetest"
)

func TestStore_Contract(t *testing.T) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		t.Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	s, err := New(addr)
	if err != nil {
		t.Skipf("Skipping redis tests: %v", err)
	}
	defer s.Close()

	bucket := "test-" + uuid.NewString()
	defer s.client.Del(context.Background(), hashKey(bucket))

	storetest.Run(t, s, bucket)
}
