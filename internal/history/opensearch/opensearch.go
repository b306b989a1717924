package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loykin/agenda/internal/history"
)

// Sink sends job run events to OpenSearch via HTTP. It constructs URL as:
// baseURL + "/" + index + "/_doc" and POSTs JSON body. Failed sends are
// logged through a dedicated zap logger rather than the core slog logger,
// the same sink-local-diagnostics split used by the clickhouse sink.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	logger  *zap.Logger
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	logger, _ := zap.NewProduction()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index, logger: logger}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, _ := json.Marshal(e)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("opensearch send failed", zap.String("job_name", e.JobName), zap.Error(err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		s.logger.Warn("opensearch sink rejected event", zap.Int("status", resp.StatusCode), zap.String("job_name", e.JobName))
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
