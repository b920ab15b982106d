package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAPIClient_SubmitAndWait(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/analysis", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["source_path"] != "egg/u" || body["force_reanalyze"] != true {
			t.Errorf("Unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"task_id": "t1", "status": "pending"})
	})
	mux.HandleFunc("/analysis/t1", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		status, progress := "analyzing", 50
		if n >= 3 {
			status, progress = "completed", 100
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"task_id": "t1", "status": status, "progress": progress})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := newAPIClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("newAPIClient() error = %v", err)
	}
	ctx := context.Background()
	id, err := c.submit(ctx, "egg/u", "score", true)
	if err != nil || id != "t1" {
		t.Fatalf("submit() = %q, %v", id, err)
	}

	var seen []string
	final, err := c.wait(ctx, id, time.Millisecond, func(t *task) { seen = append(seen, t.Status) })
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if final.Status != "completed" {
		t.Errorf("Expected completed, got %s", final.Status)
	}
	if len(seen) != 2 {
		t.Errorf("Expected progress callback only on change, got %v", seen)
	}
}

func TestAPIClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"task is not completed"}`))
	}))
	defer srv.Close()

	c, err := newAPIClient(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("newAPIClient() error = %v", err)
	}
	_, err = c.result(context.Background(), "t1")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "task is not completed" {
		t.Errorf("Unexpected error %+v", apiErr)
	}
}

func TestNewAPIClient_InvalidURL(t *testing.T) {
	if _, err := newAPIClient("not a url", time.Second); err == nil {
		t.Error("Expected an error for an invalid server URL")
	}
}
