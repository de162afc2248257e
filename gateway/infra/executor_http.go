package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"admission-gateway/gateway/domain"
)

// HTTPExecutor encaminha a consulta para um serviço downstream via POST JSON.
// A URL pode conter "{lane}", trocado pelo nome da lane.
type HTTPExecutor struct {
	Client *http.Client
	URL    string
}

type httpExecRequest struct {
	StreamID domain.StreamID `json:"stream_id"`
	OwnerID  string          `json:"owner_id"`
	Lane     domain.Lane     `json:"lane"`
	Query    string          `json:"query"`
	Context  map[string]any  `json:"context,omitempty"`
	BudgetMs int64           `json:"budget_ms"`
}

func NewHTTPExecutor(url string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{Client: client, URL: url}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req domain.Request) (any, error) {
	body, err := json.Marshal(httpExecRequest{
		StreamID: req.StreamID,
		OwnerID:  req.OwnerID,
		Lane:     req.Lane,
		Query:    req.Query,
		Context:  req.Context,
		BudgetMs: req.Budget.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.ReplaceAll(e.URL, "{lane}", string(req.Lane))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Lane", string(req.Lane))
	hreq.Header.Set("X-Budget-Ms", strconv.FormatInt(req.Budget.Milliseconds(), 10))

	resp, err := e.Client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return out, nil
}

// EchoExecutor responde localmente; útil sem downstream configurado.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, req domain.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"query": req.Query,
		"lane":  req.Lane,
		"words": domain.WordCount(req.Query),
	}, nil
}
