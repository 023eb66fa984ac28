package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/dto"
)

// maxResponseSize bounds response body reads.
const maxResponseSize int64 = 16 << 20

// client talks to fleetd's control API.
type client struct {
	http *http.Client
	base string
}

func newUnixClient(socket string, timeout time.Duration) *client {
	return &client{
		base: "http://fleetd",
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

// apiError is a non-2xx response rendered from the error envelope.
type apiError struct {
	Status  int
	Message string
	Fields  map[string]any
}

func (e *apiError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	fields, _ := json.Marshal(e.Fields)
	return fmt.Sprintf("%d: %s %s", e.Status, e.Message, fields)
}

func (c *client) enqueue(ctx context.Context, req dto.JobCreateDTO) (*dto.EnqueueResponse, error) {
	var resp dto.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/enqueue", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) list(ctx context.Context, q dto.ListJobsQuery) ([]dto.JobResponseDTO, error) {
	values := url.Values{}
	if q.Requester != "" {
		values.Set("requester", q.Requester)
	}
	if q.Status != "" {
		values.Set("status", q.Status)
	}
	if q.Kind != "" {
		values.Set("kind", q.Kind)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/v1/jobs"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}

	var resp dto.JobListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *client) get(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	var resp dto.JobEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *client) cancel(ctx context.Context, id string) (*dto.CancelResponse, error) {
	var resp dto.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting fleetd: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var envelope common.ErrorBody
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
			return &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &apiError{Status: resp.StatusCode, Message: envelope.Error.Message, Fields: envelope.Error.Fields}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
