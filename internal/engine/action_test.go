package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/planexec"
)

func TestHTTPActionExecutor(t *testing.T) {
	var got planexec.Action
	var correlation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		correlation = r.Header.Get("X-Correlation-ID")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kind":"tool_result","content":{"rows":3}}`))
	}))
	defer srv.Close()

	ctx := tracing.WithCorrelationID(t.Context(), "corr-1")
	h := NewHTTPActionExecutor(srv.URL, time.Second)
	res, err := h.Act(ctx, planexec.Action{PlanID: "p", StepID: "a", Tool: "sql", Args: map[string]any{"q": "select"}})
	require.NoError(t, err)

	assert.Equal(t, planexec.KindToolResult, res.Kind)
	assert.Equal(t, map[string]any{"rows": float64(3)}, res.Content)
	assert.Equal(t, "sql", got.Tool)
	assert.Equal(t, "select", got.Args["q"])
	assert.Equal(t, "corr-1", correlation)
}

func TestHTTPActionExecutor_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "tool crashed", http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := NewHTTPActionExecutor(srv.URL, 0).Act(t.Context(), planexec.Action{StepID: "a"})
	require.NoError(t, err)
	assert.Equal(t, planexec.KindError, res.Kind)
	assert.Equal(t, "tool endpoint returned 502: tool crashed", res.Error)
}

func TestHTTPActionExecutor_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPActionExecutor(srv.URL, 0).Act(t.Context(), planexec.Action{StepID: "a"})
	require.ErrorContains(t, err, "failed to decode action response")
}

func TestHTTPActionExecutor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPActionExecutor(url, time.Second).Act(t.Context(), planexec.Action{StepID: "a"})
	require.ErrorContains(t, err, "action request failed")
}
