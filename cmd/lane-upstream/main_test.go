package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admission-gateway/gateway/domain"
	"admission-gateway/gateway/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLaneUpstream_AnswersHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(newHandler(zap.NewNop()))
	defer srv.Close()

	exec := infra.NewHTTPExecutor(srv.URL+"/lanes/{lane}", srv.Client())
	out, err := exec.Execute(context.Background(), domain.Request{
		StreamID: "s1",
		Lane:     domain.LaneStandard,
		Query:    "one two three",
		Budget:   80 * time.Millisecond,
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "standard", m["lane"])
	assert.Equal(t, float64(3), m["words"])
	assert.Equal(t, "processed: one two three", m["answer"])
}

func TestLaneUpstream_WorkIsCappedByBudget(t *testing.T) {
	srv := httptest.NewServer(newHandler(zap.NewNop()))
	defer srv.Close()

	exec := infra.NewHTTPExecutor(srv.URL+"/lanes/{lane}", srv.Client())
	start := time.Now()
	_, err := exec.Execute(context.Background(), domain.Request{
		Lane:   domain.LaneDeep,
		Query:  strings.Repeat("w ", 500),
		Budget: 40 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLaneUpstream_RejectsBadBody(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lanes/express", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
