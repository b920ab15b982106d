package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkghttp "mahjong_analysis/backend/go/pkg/http"
)

// task mirrors the service's task record.
type task struct {
	TaskID         string    `json:"task_id"`
	SourcePath     string    `json:"source_path"`
	Prompt         string    `json:"prompt"`
	ForceReanalyze bool      `json:"force_reanalyze"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	Message        string    `json:"message"`
	Error          *string   `json:"error"`
	ResultPath     *string   `json:"result_path"`
	CacheUsed      bool      `json:"cache_used"`
	ImageCount     int       `json:"image_count"`
	AnalyzedCount  int       `json:"analyzed_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (t task) terminal() bool {
	return t.Status == "completed" || t.Status == "failed"
}

type result struct {
	TaskID     string `json:"task_id"`
	ResultPath string `json:"result_path"`
	Content    string `json:"content"`
	Size       int64  `json:"size"`
}

type listing struct {
	Path  string `json:"path"`
	Files []struct {
		Name         string    `json:"name"`
		SizeHuman    string    `json:"size_human"`
		LastModified time.Time `json:"last_modified"`
	} `json:"files"`
	Directories []struct {
		Name string `json:"name"`
	} `json:"directories"`
	TotalFiles       int `json:"total_files"`
	TotalDirectories int `json:"total_directories"`
}

// apiError is a non-2xx answer from the service.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type apiClient struct {
	base string
	http *pkghttp.Client
}

func newAPIClient(base string, timeout time.Duration) (*apiClient, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	c, err := pkghttp.NewClient(pkghttp.DefaultBreakerConfig(), timeout)
	if err != nil {
		return nil, err
	}
	return &apiClient{base: strings.TrimRight(base, "/"), http: c}, nil
}

func (c *apiClient) submit(ctx context.Context, source, prompt string, force bool) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	body := map[string]interface{}{"source_path": source, "prompt": prompt, "force_reanalyze": force}
	if err := c.do(ctx, http.MethodPost, "/analysis", body, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *apiClient) task(ctx context.Context, id string) (*task, error) {
	var t task
	if err := c.do(ctx, http.MethodGet, "/analysis/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *apiClient) result(ctx context.Context, id string) (*result, error) {
	var r result
	if err := c.do(ctx, http.MethodGet, "/analysis/"+url.PathEscape(id)+"/result", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *apiClient) export(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/analysis/"+url.PathEscape(id)+"/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *apiClient) tasks(ctx context.Context, status string, limit int) ([]task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out struct {
		Tasks []task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *apiClient) list(ctx context.Context, path string) (*listing, error) {
	var l listing
	if err := c.do(ctx, http.MethodGet, "/object-store/list?path="+url.QueryEscape(path), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// wait polls the task until it is terminal, calling progress on every change.
func (c *apiClient) wait(ctx context.Context, id string, interval time.Duration, progress func(*task)) (*task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := ""
	for {
		t, err := c.task(ctx, id)
		if err != nil {
			return nil, err
		}
		if key := fmt.Sprintf("%s/%d/%s", t.Status, t.Progress, t.Message); key != last {
			last = key
			if progress != nil {
				progress(t)
			}
		}
		if t.terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) send(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}
