package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fieldgate.org/internal/obs"
)

// ChangeChannel carries one notification per committed write that cached
// state elsewhere depends on.
const ChangeChannel = "fieldgate_changes"

// ChangeKind names what a change touched.
type ChangeKind string

const (
	// ChangeIdentity: the assignments of one identity changed.
	ChangeIdentity ChangeKind = "identity"
	// ChangeRole: a role bundle changed, so every holder is affected.
	ChangeRole ChangeKind = "role"
	// ChangeTeam: a team's policy configuration changed.
	ChangeTeam ChangeKind = "team"
	// ChangeAll is synthesized after a listener reconnects, when
	// notifications may have been missed.
	ChangeAll ChangeKind = "all"
)

// Change is the decoded payload "<kind>:<id>".
type Change struct {
	Kind ChangeKind
	ID   string
}

func (c Change) String() string {
	if c.Kind == ChangeAll {
		return string(ChangeAll)
	}
	return string(c.Kind) + ":" + c.ID
}

// ParseChange reads a notification payload.
func ParseChange(payload string) (Change, error) {
	if payload == string(ChangeAll) {
		return Change{Kind: ChangeAll}, nil
	}
	kind, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return Change{}, fmt.Errorf("pg: malformed change %q", payload)
	}
	switch k := ChangeKind(kind); k {
	case ChangeIdentity, ChangeRole, ChangeTeam:
		return Change{Kind: k, ID: id}, nil
	}
	return Change{}, fmt.Errorf("pg: unknown change kind %q", kind)
}

// notify queues c on the transaction; Postgres delivers it on commit.
func notify(ctx context.Context, tx *sql.Tx, c Change) error {
	_, err := tx.ExecContext(ctx, `select pg_notify($1, $2)`, ChangeChannel, c.String())
	return err
}

// notifyConn is the part of *pgx.Conn a Listener needs.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener follows ChangeChannel on a dedicated connection. The pooled
// database/sql handle cannot hold a LISTEN.
type Listener struct {
	connect func(ctx context.Context) (notifyConn, error)
	backoff time.Duration
}

// NewListener connects with dsn on Run.
func NewListener(dsn string) *Listener {
	return &Listener{
		connect: func(ctx context.Context) (notifyConn, error) {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		backoff: time.Second,
	}
}

// Run delivers changes to apply until ctx ends. Every (re)connection is
// followed by a ChangeAll so nothing missed while disconnected survives.
func (l *Listener) Run(ctx context.Context, apply func(Change)) error {
	wait := l.backoff
	for {
		connected := false
		err := l.session(ctx, func(c Change) {
			connected = true
			apply(c)
		})
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			wait = l.backoff
		}
		obs.Logger().Warn("change_listener_disconnected", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (l *Listener) session(ctx context.Context, apply func(Change)) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	if _, err := conn.Exec(ctx, "listen "+ChangeChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	apply(Change{Kind: ChangeAll})
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := ParseChange(n.Payload)
		if err != nil {
			obs.Logger().Warn("change_ignored", slog.String("error", err.Error()))
			continue
		}
		apply(c)
	}
}
