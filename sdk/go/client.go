// Package botline is the worker-side client for the Botline bot protocol.
// A bot checks in periodically, polls for offered executions, claims one,
// reports progress, and finally completes or fails it.
package botline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is the server's error envelope.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsConflict reports whether the error means another bot won the race.
func IsConflict(err error) bool {
	var apiErr *APIError
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.Status == http.StatusConflict
	}
	return false
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Client talks to a Botline server on behalf of one bot.
type Client struct {
	BaseURL  string
	BotID    string
	BotToken string
	HTTP     *http.Client
}

// New builds a client. baseURL includes the API base path, e.g.
// "http://localhost:8420/v0".
func New(baseURL, botID, botToken string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		BotID:    botID,
		BotToken: botToken,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Bot mirrors the server's bot resource.
type Bot struct {
	BotID       string  `json:"bot_id"`
	Username    string  `json:"username"`
	PlatformID  string  `json:"platform_id"`
	IsActive    bool    `json:"is_active"`
	LastCheckin *string `json:"last_checkin,omitempty"`
}

// Execution mirrors the server's execution resource.
type Execution struct {
	ExecutionID  string  `json:"execution_id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	AssignedTo   *string `json:"assigned_to,omitempty"`
	StartedAt    string  `json:"started_at"`
	ClaimedAt    *string `json:"claimed_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ResultsJSON  *string `json:"results_json,omitempty"`
	RetryCount   int     `json:"retry_count"`
}

// CompleteOptions carries the result payload and an optional proof of work.
type CompleteOptions struct {
	ResultsJSON      *string `json:"results_json,omitempty"`
	ProofName        string  `json:"proof_name,omitempty"`
	ProofLink        string  `json:"proof_link,omitempty"`
	ProofDescription string  `json:"proof_description,omitempty"`
}

// Checkin records liveness; a bot must check in within the server's liveness
// window to receive broadcast offers.
func (c *Client) Checkin(ctx context.Context) (Bot, error) {
	var out Bot
	err := c.do(ctx, http.MethodPost, "/protocol/checkin", nil, &out)
	return out, err
}

// Offers lists broadcasted executions this bot may claim.
func (c *Client) Offers(ctx context.Context) ([]Execution, error) {
	var out []Execution
	err := c.do(ctx, http.MethodGet, "/protocol/executions", nil, &out)
	return out, err
}

// Claim takes an offered execution. On a lost race the error satisfies
// IsConflict; pick another offer and move on.
func (c *Client) Claim(ctx context.Context, executionID string) (Execution, error) {
	var out Execution
	err := c.do(ctx, http.MethodPost, "/protocol/executions/"+executionID+"/claim", nil, &out)
	return out, err
}

// Progress marks the execution in_progress, optionally attaching interim
// results. Call it repeatedly for long work.
func (c *Client) Progress(ctx context.Context, executionID string, resultsJSON *string) (Execution, error) {
	var out Execution
	body := map[string]any{}
	if resultsJSON != nil {
		body["results_json"] = *resultsJSON
	}
	err := c.do(ctx, http.MethodPost, "/protocol/executions/"+executionID+"/progress", body, &out)
	return out, err
}

// Complete finishes the execution.
func (c *Client) Complete(ctx context.Context, executionID string, opts CompleteOptions) (Execution, error) {
	var out Execution
	err := c.do(ctx, http.MethodPost, "/protocol/executions/"+executionID+"/complete", opts, &out)
	return out, err
}

// Fail reports the execution failed with an error message.
func (c *Client) Fail(ctx context.Context, executionID, errorMessage string) (Execution, error) {
	var out Execution
	body := map[string]string{"error_message": errorMessage}
	err := c.do(ctx, http.MethodPost, "/protocol/executions/"+executionID+"/fail", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Bot-Id", c.BotID)
	req.Header.Set("X-Bot-Token", c.BotToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func parseAPIError(status int, data []byte) error {
	var envelope struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		envelope.Error.Status = status
		return &envelope.Error
	}
	return &APIError{Status: status, Code: "unknown", Message: strings.TrimSpace(string(data))}
}
