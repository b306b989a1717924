package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/loykin/agenda/internal/history"
)

// Sink sends job run events to ClickHouse using the official Go client. It
// logs connection and insert failures through a dedicated zap logger,
// grounded on seakee-dockmon's zap-everywhere style for its monitor
// subsystems, kept separate from the slog-based core logger since this
// sink's failures (connection and per-event insert errors) are an operational
// concern of the sink itself rather than the scheduler core.
type Sink struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
}

func New(dsn, table string) (*Sink, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to build clickhouse sink logger: %w", err)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{dsn},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		logger.Error("clickhouse connect failed", zap.String("addr", dsn), zap.Error(err))
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		logger.Error("clickhouse ping failed", zap.Error(err))
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table, logger: logger}, nil
}

func (s *Sink) Close() error {
	_ = s.logger.Sync()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, job_id, job_name, started_at, finished_at, fail_count, error, remote) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.JobID,
		e.JobName,
		e.StartedAt,
		e.FinishedAt,
		e.FailCount,
		e.Err,
		e.Remote,
	)
	if err != nil {
		s.logger.Warn("clickhouse insert failed", zap.String("job_name", e.JobName), zap.Error(err))
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
