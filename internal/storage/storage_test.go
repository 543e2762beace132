package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeBatch embeds driver.Batch so only the methods the writer calls need
// implementations.
type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	b.conn.sent = append(b.conn.sent, b.rows...)
	return nil
}

type fakeConn struct {
	mu      sync.Mutex
	queries []string
	sent    [][]any
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return &fakeBatch{conn: c}, nil
}

func TestClickHouseWriter_DrainsOnClose(t *testing.T) {
	conn := &fakeConn{}
	w := newClickHouseWriter(conn, zap.NewNop())

	for i := 0; i < 5; i++ {
		w.Write(&ChangeEvent{EventID: "e", SessionID: "s1", Kind: KindExecuted, Success: true, Timestamp: time.Now()})
	}
	w.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 5 {
		t.Fatalf("expected 5 rows sent, got %d", len(conn.sent))
	}
	row := conn.sent[0]
	if len(row) != 15 {
		t.Fatalf("expected 15 columns, got %d", len(row))
	}
	if row[10] != uint8(1) {
		t.Fatalf("success column = %v, want 1", row[10])
	}
	if ws, ok := row[13].([]string); !ok || ws == nil {
		t.Fatalf("warnings column should be a non-nil []string, got %#v", row[13])
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(&ChangeEvent{EventID: "e1", SessionID: "s1", Kind: KindBlocked})
	w.Close()

	entries := logs.FilterMessage("agent_change_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["kind"] != KindBlocked {
		t.Fatalf("kind field = %v", entries[0].ContextMap()["kind"])
	}
}

func TestMemoryWriter(t *testing.T) {
	w := NewMemoryWriter()
	w.Write(&ChangeEvent{Kind: KindRead})
	w.Write(&ChangeEvent{Kind: KindExecuted})
	kinds := w.Kinds()
	if len(kinds) != 2 || kinds[0] != KindRead || kinds[1] != KindExecuted {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestMemoryWriter_ListEvents(t *testing.T) {
	w := NewMemoryWriter()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, kind := range []string{KindAwaitConfirmation, KindExecuted, KindExecuted, KindRollback} {
		w.Write(&ChangeEvent{EventID: kind + string(rune('a'+i)), SessionID: "s1", Kind: kind, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	w.Write(&ChangeEvent{EventID: "other", SessionID: "s2", Kind: KindExecuted, Timestamp: base})

	events, total, err := w.ListEvents(context.Background(), ListEventsParams{SessionID: "s1", PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(events) != 2 {
		t.Fatalf("total=%d len=%d", total, len(events))
	}
	if events[0].Kind != KindRollback {
		t.Fatalf("newest first, got %s", events[0].Kind)
	}

	kind := KindExecuted
	events, total, err = w.ListEvents(context.Background(), ListEventsParams{SessionID: "s1", Kind: &kind})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(events) != 2 {
		t.Fatalf("filtered total=%d len=%d", total, len(events))
	}

	events, total, err = w.ListEvents(context.Background(), ListEventsParams{SessionID: "s1", Page: 9})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(events) != 0 {
		t.Fatalf("past the end: total=%d len=%d", total, len(events))
	}
}
