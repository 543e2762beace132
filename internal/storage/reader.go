package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// EventReader serves the audit trail back to the dashboard.
type EventReader interface {
	ListEvents(ctx context.Context, params ListEventsParams) ([]*ChangeEvent, int, error)
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	SessionID string
	Kind      *string
	Page      int
	PageSize  int
}

func (p *ListEventsParams) normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	if p.PageSize > 200 {
		p.PageSize = 200
	}
}

// ClickHouseReader reads agent_change_events.
type ClickHouseReader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseReader opens a ClickHouse connection for read queries.
func NewClickHouseReader(dsn string, logger *zap.Logger) (*ClickHouseReader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}
	return &ClickHouseReader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *ClickHouseReader) Close() error {
	return r.conn.Close()
}

// ListEvents returns a page of a session's events, newest first, and the
// total count.
func (r *ClickHouseReader) ListEvents(ctx context.Context, params ListEventsParams) ([]*ChangeEvent, int, error) {
	params.normalize()
	conditions := []string{"session_id = @session_id"}
	args := []any{clickhouse.Named("session_id", params.SessionID)}
	if params.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *params.Kind))
	}
	where := strings.Join(conditions, " AND ")

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM agent_change_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT event_id, timestamp, session_id, operator_id, kind, tool_name, "+
			"resource_type, resource_name, version_id, risk_level, success, detail, "+
			"arguments_json, warnings, latency_ms "+
			"FROM agent_change_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32((params.Page-1)*params.PageSize)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*ChangeEvent
	for rows.Next() {
		var (
			e       ChangeEvent
			success uint8
		)
		if err := rows.Scan(
			&e.EventID, &e.Timestamp, &e.SessionID, &e.OperatorID, &e.Kind, &e.ToolName,
			&e.ResourceType, &e.ResourceName, &e.VersionID, &e.RiskLevel, &success, &e.Detail,
			&e.ArgumentsJSON, &e.Warnings, &e.LatencyMs,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		e.Success = success == 1
		events = append(events, &e)
	}
	return events, int(total), rows.Err()
}

// ListEvents lets MemoryWriter stand in for ClickHouse in tests and local
// runs.
func (w *MemoryWriter) ListEvents(_ context.Context, params ListEventsParams) ([]*ChangeEvent, int, error) {
	params.normalize()
	events := w.Events()
	var matched []*ChangeEvent
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.SessionID != params.SessionID {
			continue
		}
		if params.Kind != nil && e.Kind != *params.Kind {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := (params.Page - 1) * params.PageSize
	if start >= total {
		return []*ChangeEvent{}, total, nil
	}
	end := min(start+params.PageSize, total)
	return matched[start:end], total, nil
}
