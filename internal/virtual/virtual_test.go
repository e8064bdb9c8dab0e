package virtual

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nexus-edge/meter-gateway/internal/domain"
)

func TestDevice_ReadWrite(t *testing.T) {
	d := NewDevice()

	if d.ReadCoil("m1", 16) {
		t.Error("unseen coil should read OFF")
	}

	d.WriteCoil("m1", 16, true)
	d.WriteCoil("m1", 3, false)
	d.WriteCoil("m2", 16, false)

	if !d.ReadCoil("m1", 16) {
		t.Error("ReadCoil(m1, 16) = false after writing ON")
	}
	if d.ReadCoil("m2", 16) {
		t.Error("devices share coil state")
	}

	coils := d.Coils("m1")
	if len(coils) != 2 || coils[0].Address != 3 || !coils[1].On {
		t.Errorf("Coils(m1) = %+v", coils)
	}

	d.Reset("m1")
	if d.ReadCoil("m1", 16) {
		t.Error("Reset() kept coil state")
	}
}

func TestDevice_Concurrent(t *testing.T) {
	d := NewDevice()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for a := uint16(0); a < 50; a++ {
				d.WriteCoil("m1", a, i%2 == 0)
				_ = d.ReadCoil("m1", a)
			}
		}(i)
	}
	wg.Wait()
	if got := len(d.Coils("m1")); got != 50 {
		t.Errorf("len(Coils) = %d, want 50", got)
	}
}

func TestMemoryStatusCache_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryStatusCache(5 * time.Second)
	c.now = func() time.Time { return now }

	if _, ok, _ := c.Get(ctx, "m1", 16); ok {
		t.Fatal("empty cache hit")
	}

	_ = c.Set(ctx, CoilStatus{DeviceID: "m1", Address: 16, On: true, Tier: domain.TierHardware})

	now = now.Add(5 * time.Second)
	st, ok, err := c.Get(ctx, "m1", 16)
	if err != nil || !ok || !st.On {
		t.Fatalf("Get() within TTL = %+v, %v, %v", st, ok, err)
	}

	now = now.Add(time.Millisecond)
	if _, ok, _ := c.Get(ctx, "m1", 16); ok {
		t.Error("entry older than TTL still served")
	}
}

func TestMemoryStatusCache_InvalidateAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryStatusCache(0)
	c.now = func() time.Time { return now }

	_ = c.Set(ctx, CoilStatus{DeviceID: "m1", Address: 1})
	_ = c.Set(ctx, CoilStatus{DeviceID: "m1", Address: 2})
	_ = c.Invalidate(ctx, "m1", 1)
	if _, ok, _ := c.Get(ctx, "m1", 1); ok {
		t.Error("Invalidate() left entry")
	}

	now = now.Add(DefaultStatusTTL + time.Second)
	if n := c.Purge(); n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
}

func TestRedisStatusCache_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewRedisStatusCache(client, "", 0)
	if got := c.key("m1", 16); got != "coilstatus:m1#16" {
		t.Errorf("key = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, ok, err := c.Get(ctx, "m1", 16); err == nil || ok {
		t.Errorf("Get() on unreachable redis = ok %v, err %v; want error", ok, err)
	}
	if err := c.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() on unreachable redis returned nil")
	}
}
