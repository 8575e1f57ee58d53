package pg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseChange(t *testing.T) {
	cases := map[string]Change{
		"identity:u1":     {Kind: ChangeIdentity, ID: "u1"},
		"role:team_admin": {Kind: ChangeRole, ID: "team_admin"},
		"team:t1":         {Kind: ChangeTeam, ID: "t1"},
		"all":             {Kind: ChangeAll},
	}
	for payload, want := range cases {
		got, err := ParseChange(payload)
		if err != nil || got != want {
			t.Fatalf("ParseChange(%q) = %+v, %v", payload, got, err)
		}
		if got.String() != payload {
			t.Fatalf("round trip %q -> %q", payload, got.String())
		}
	}
	for _, bad := range []string{"", "identity:", "device:d1", "nonsense"} {
		if _, err := ParseChange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

type fakeConn struct {
	mu       sync.Mutex
	payloads []string
	fail     error
	listened bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listened = sql == "listen "+ChangeChannel
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	if len(c.payloads) > 0 {
		p := c.payloads[0]
		c.payloads = c.payloads[1:]
		c.mu.Unlock()
		return &pgconn.Notification{Channel: ChangeChannel, Payload: p}, nil
	}
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Close(context.Context) error { return nil }

func TestListenerAppliesAndResyncsAfterReconnect(t *testing.T) {
	conns := []*fakeConn{
		{payloads: []string{"identity:u1", "garbage"}, fail: errors.New("connection reset")},
		{payloads: []string{"team:t1"}},
	}
	var (
		mu    sync.Mutex
		calls int
	)
	l := &Listener{
		backoff: time.Millisecond,
		connect: func(context.Context) (notifyConn, error) {
			mu.Lock()
			defer mu.Unlock()
			c := conns[calls]
			calls++
			return c, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Change, 8)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, func(c Change) { got <- c }) }()

	want := []Change{
		{Kind: ChangeAll},
		{Kind: ChangeIdentity, ID: "u1"},
		{Kind: ChangeAll},
		{Kind: ChangeTeam, ID: "t1"},
	}
	for i, w := range want {
		select {
		case c := <-got:
			if c != w {
				t.Fatalf("change %d = %+v, want %+v", i, c, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d", i)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, c := range conns {
		if !c.listened {
			t.Fatalf("connection %d never issued LISTEN", i)
		}
	}
}
