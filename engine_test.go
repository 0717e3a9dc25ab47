package authcore

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("test-secret-key-material")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Recovery.EnumerationDelay = 0
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = false
	return cfg
}

type testRig struct {
	engine *Engine
	mr     *miniredis.Miniredis
	clock  *testClock
	mailer *ChannelMailer
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	mr, rdb := newTestRedis(t)
	clock := newTestClock()
	mailer := NewChannelMailer(32)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithMailer(mailer).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testRig{engine: engine, mr: mr, clock: clock, mailer: mailer}
}

// drainMail empties the mailer channel and returns what was captured.
func (r *testRig) drainMail() []Mail {
	var out []Mail
	for {
		select {
		case m := <-r.mailer.Mail():
			out = append(out, m)
		default:
			return out
		}
	}
}
