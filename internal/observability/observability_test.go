package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesQueueMetrics(t *testing.T) {
	RecordEnqueue("task.created", 3)
	RecordHandled("task.created", 5*time.Millisecond, false)
	RecordDLQAdd("max_retries_exceeded", 1)
	SetCircuitOpen(true)
	SetCircuitOpen(false)
	RecordPlanExecution("execution_complete", time.Millisecond, 2)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `event_enqueue_total{type="task.created"}`)
	assert.Contains(t, body, "event_queue_depth 3")
	assert.Contains(t, body, `dlq_added_total{reason="max_retries_exceeded"}`)
	assert.Contains(t, body, "circuit_breaker_open 0")
	assert.True(t, strings.Contains(body, "plan_execution_total"))
}

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	prev := GetAuditLogger()
	SetAuditLogger(NewAuditLogger(&buf))
	t.Cleanup(func() { SetAuditLogger(prev) })

	RecordDLQAudit(context.Background(), "added", "evt-1", "max_retries_exceeded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dlq", entry["category"])
	assert.Equal(t, "added", entry["action"])
	assert.Equal(t, "evt-1", entry["subject"])
	details, ok := entry["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "max_retries_exceeded", details["reason"])
}

func TestInitAuditLogger(t *testing.T) {
	prev := GetAuditLogger()
	t.Cleanup(func() { SetAuditLogger(prev) })

	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordCircuitAudit(context.Background(), true, 5)
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"opened"`)
	assert.Contains(t, string(data), `"consecutive_failures":5`)
}
