package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// bot mirrors the control plane's bot view.
type bot struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	PlatformIdentity *struct {
		Username string `json:"username"`
	} `json:"platform_identity,omitempty"`
	Status        string     `json:"status"`
	Running       bool       `json:"running"`
	PID           int        `json:"pid,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
}

type processInfo struct {
	LastExitCode *int    `json:"last_exit_code,omitempty"`
	LastError    *string `json:"last_error,omitempty"`
}

type apiError struct {
	Status   int      `json:"-"`
	Message  string   `json:"error"`
	Reason   string   `json:"reason,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Problems) > 0 {
		msg += "\n  - " + strings.Join(e.Problems, "\n  - ")
	}
	return msg
}

type client struct {
	http *resty.Client
}

func newClient(baseURL, token string) *client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(90 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &client{http: c}
}

func (c *client) do(method, path string, body, out any) error {
	req := c.http.R()
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		e := &apiError{Status: resp.StatusCode()}
		if json.Unmarshal(resp.Body(), e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(resp.Body()))
		}
		return e
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func (c *client) list() ([]bot, error) {
	var out []bot
	return out, c.do(http.MethodGet, "/bots", nil, &out)
}

func (c *client) get(id string) (bot, processInfo, error) {
	var out struct {
		Bot     bot         `json:"bot"`
		Process processInfo `json:"process"`
	}
	err := c.do(http.MethodGet, "/bots/"+id+"/status", nil, &out)
	return out.Bot, out.Process, err
}

func (c *client) create(req map[string]any) (bot, error) {
	var out bot
	return out, c.do(http.MethodPost, "/bots", req, &out)
}

func (c *client) update(id string, req map[string]any) (bot, error) {
	var out bot
	return out, c.do(http.MethodPut, "/bots/"+id, req, &out)
}

func (c *client) action(id, op string) (bot, error) {
	var out bot
	return out, c.do(http.MethodPost, "/bots/"+id+"/"+op, nil, &out)
}

func (c *client) remove(id string) error {
	return c.do(http.MethodDelete, "/bots/"+id, nil, nil)
}

func (c *client) logs(id string, tail int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.do(http.MethodGet, fmt.Sprintf("/bots/%s/logs?tail=%d", id, tail), nil, &out)
	return out.Lines, err
}
