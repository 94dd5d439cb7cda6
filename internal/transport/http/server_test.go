package http

import (
	"bytes"
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/metrics"
	"github.com/xiaot623/notechat/internal/orchestrator"
	"github.com/xiaot623/notechat/tests/helpers"
)

func TestServerRoutesAndLogging(t *testing.T) {
	m := metrics.New()
	orch := orchestrator.New(orchestrator.Options{
		Store:   helpers.NewTestSQLiteStore(t),
		Runner:  &llm.ScriptedRunner{Chunks: []string{"ok"}},
		Policy:  helpers.NewTestPolicy(t, ""),
		Metrics: m,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	var logs bytes.Buffer
	e := NewServer(orch, m, zerolog.New(&logs))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, "/v1/chats", nil))
	require.Equal(t, nethttp.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "notechat_"), "metrics body should expose notechat series")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/v1/chats/nope", nil))
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)

	assert.Contains(t, logs.String(), `"uri":"/v1/chats"`)
	assert.Contains(t, logs.String(), `"status":404`)
}
