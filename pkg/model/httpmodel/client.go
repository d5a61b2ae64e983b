// Package httpmodel calls ML models served over HTTP.
//
// Endpoints (all POST, JSON):
//
//	/train  {job_id, project_id, model, image_ids, hyperparameters} -> {"result_ref": "..."}
//	/infer  {job_id, project_id, model, image_ids, hyperparameters} -> {"result_ref": "..."}
//	/merge  {base, partials}                                        -> {"model": "..."}
//
// Network errors and 5xx responses are retried by the client, and reported as
// model.ErrTransient when retries are exhausted. 4xx responses are application
// errors and not retried.
package httpmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opst/knitflow/pkg/domain"
	"github.com/opst/knitflow/pkg/model"
	"github.com/sirupsen/logrus"
)

type Client struct {
	endpoint string
	http     *retryablehttp.Client
}

var (
	_ model.Runner = &Client{}
	_ model.Merger = &Client{}
)

type Option func(*retryablehttp.Client)

// WithRetry sets the max number of retries and the range of waits between them.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryMax = retryMax
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// WithTimeout sets timeout per request.
func WithTimeout(d time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Timeout = d
	}
}

// WithLogger logs requests and retries.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *retryablehttp.Client) {
		c.Logger = l
	}
}

func New(endpoint string, options ...Option) *Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, o := range options {
		o(c)
	}
	return &Client{endpoint: strings.TrimSuffix(endpoint, "/"), http: c}
}

// StatusError is an application error reported by the model server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model server responded %d: %s", e.Code, e.Message)
}

type jobRequest struct {
	JobId           string            `json:"job_id"`
	ProjectId       string            `json:"project_id"`
	Model           string            `json:"model"`
	ImageIds        []string          `json:"image_ids"`
	Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
}

type jobResponse struct {
	ResultRef string `json:"result_ref"`
}

type mergeRequest struct {
	Base     string   `json:"base"`
	Partials []string `json:"partials"`
}

type mergeResponse struct {
	Model string `json:"model"`
}

func (c *Client) Train(ctx context.Context, job domain.Job) (string, error) {
	return c.job(ctx, "/train", job)
}

func (c *Client) Infer(ctx context.Context, job domain.Job) (string, error) {
	return c.job(ctx, "/infer", job)
}

func (c *Client) job(ctx context.Context, path string, job domain.Job) (string, error) {
	resp := jobResponse{}
	if err := c.post(ctx, path, jobRequest{
		JobId:           job.Id,
		ProjectId:       job.Payload.ProjectId,
		Model:           job.Payload.Model.String(),
		ImageIds:        job.Payload.ImageIds,
		Hyperparameters: job.Payload.Hyperparameters,
	}, &resp); err != nil {
		return "", err
	}
	if resp.ResultRef == "" {
		return "", fmt.Errorf("model server responded no result_ref for job %s", job.Id)
	}
	return resp.ResultRef, nil
}

func (c *Client) Merge(ctx context.Context, base domain.ModelState, partials []domain.ModelState) (domain.ModelState, error) {
	req := mergeRequest{Base: base.String(), Partials: make([]string, len(partials))}
	for i := range partials {
		req.Partials[i] = partials[i].String()
	}
	resp := mergeResponse{}
	if err := c.post(ctx, "/merge", req, &resp); err != nil {
		return "", err
	}
	if resp.Model == "" {
		return "", fmt.Errorf("model server responded no model for merge")
	}
	return domain.ModelState(resp.Model), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", model.ErrTransient, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", model.ErrTransient, err)
	}

	switch {
	case 500 <= resp.StatusCode:
		return fmt.Errorf("%w: %w", model.ErrTransient, &StatusError{Code: resp.StatusCode, Message: message(buf)})
	case 400 <= resp.StatusCode:
		return &StatusError{Code: resp.StatusCode, Message: message(buf)}
	case resp.StatusCode < 200 || 300 <= resp.StatusCode:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(bytes.NewReader(buf)).Decode(out); err != nil {
		return fmt.Errorf("malformed response from model server: %w", err)
	}
	return nil
}

// message extracts {"message": "..."} from an error response, or the body as is.
func message(body []byte) string {
	m := struct {
		Message string `json:"message"`
	}{}
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(body))
}
