package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

// HTTPAdapter delivers rows as a JSON POST (or the configured method) to
// a webhook or customApi destination.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter returns an HTTPAdapter with a bounded per-request timeout.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{client: &http.Client{Timeout: 30 * time.Second}}
}

func (a *HTTPAdapter) Name() string { return "http" }

type httpPayload struct {
	ConnectionID   string           `json:"connectionId"`
	ConnectionName string           `json:"connectionName"`
	Data           []map[string]any `json:"data,omitempty"`
	FailedMessage  string           `json:"connectionFailedMessage,omitempty"`
}

type httpMeta struct {
	JobID          string `json:"jobId"`
	JobName        string `json:"jobName"`
	Group          string `json:"group,omitempty"`
	FinancialYear  string `json:"financialYear,omitempty"`
	Partner        string `json:"partner,omitempty"`
	DatabaseServer string `json:"databaseServer,omitempty"`
}

func (a *HTTPAdapter) Send(ctx context.Context, dest catalog.Destination, rows ConnectionRows, meta Meta) Result {
	return a.SendMultiConnection(ctx, dest, []ConnectionRows{rows}, meta)
}

// SendMultiConnection posts every connection's rows, alongside the job's
// meta tags, as one JSON object.
func (a *HTTPAdapter) SendMultiConnection(ctx context.Context, dest catalog.Destination, rows []ConnectionRows, meta Meta) Result {
	payloads := make([]httpPayload, 0, len(rows))
	for _, r := range rows {
		p := httpPayload{ConnectionID: r.ConnectionID, ConnectionName: r.ConnectionName}
		if r.Failed {
			p.FailedMessage = r.FailureMessage
			p.Data = []map[string]any{{"fieldMessage": r.FailureMessage}}
		} else {
			p.Data = r.Rows
		}
		payloads = append(payloads, p)
	}

	body, err := json.Marshal(struct {
		Meta httpMeta      `json:"meta"`
		Rows []httpPayload `json:"connections"`
	}{
		Meta: httpMeta{
			JobID:          meta.JobID,
			JobName:        meta.JobName,
			Group:          meta.Group,
			FinancialYear:  meta.FinancialYear,
			Partner:        meta.Partner,
			DatabaseServer: meta.DatabaseServer,
		},
		Rows: payloads,
	})
	if err != nil {
		return Fail(fmt.Errorf("%w: marshalling payload: %v", errs.ErrAdapterFailed, err))
	}

	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(body))
	if err != nil {
		return Fail(fmt.Errorf("%w: building request: %v", errs.ErrAdapterFailed, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Fail(fmt.Errorf("%w: %v", errs.ErrAdapterFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Fail(fmt.Errorf("%w: destination returned status %d", errs.ErrAdapterFailed, resp.StatusCode))
	}
	return Ok(fmt.Sprintf("delivered %d connection(s) to %s", len(rows), dest.URL))
}
