package carfax

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	client, err := NewClient(server.URL, "test-key", server.Client(), 3, time.Millisecond, nil)
	if err != nil {
		server.Close()
		t.Fatalf("create client: %v", err)
	}
	return client, server
}

func TestFetchReportLinkSendsVinAndKey(t *testing.T) {
	var gotKey string
	var gotBody string
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","file":"https://reports.example/r.pdf"}`))
	}))
	defer server.Close()

	link, err := client.FetchReportLink(context.Background(), "wba8e3g54gnu00225")
	if err != nil {
		t.Fatalf("fetch report link: %v", err)
	}
	if link != "https://reports.example/r.pdf" {
		t.Fatalf("unexpected link: %s", link)
	}
	if gotKey != "test-key" {
		t.Fatalf("unexpected api key header: %s", gotKey)
	}
	if gotBody != `{"vin":"WBA8E3G54GNU00225","re_buy":false}` {
		t.Fatalf("unexpected request body: %s", gotBody)
	}
}

func TestNon2xxIsNotRetried(t *testing.T) {
	var calls int32
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := client.FetchReportLink(context.Background(), "WBA8E3G54GNU00225")
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call for definitive rejection, got %d", got)
	}
}

func TestTransportFailureRetriesThenFails(t *testing.T) {
	var calls int32
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Undecodable body counts as a transport-level failure.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance":`))
	}))
	defer server.Close()

	_, err := client.CheckBalance(context.Background())
	if !errors.Is(err, ErrUpstreamError) {
		t.Fatalf("expected ErrUpstreamError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestTransportFailureRecoversWithinRetryBound(t *testing.T) {
	var calls int32
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n < 3 {
			_, _ = w.Write([]byte(`{"balance":`))
			return
		}
		_, _ = w.Write([]byte(`{"balance":12.5}`))
	}))
	defer server.Close()

	balance, err := client.CheckBalance(context.Background())
	if err != nil {
		t.Fatalf("check balance: %v", err)
	}
	if balance != 12.5 {
		t.Fatalf("unexpected balance: %v", balance)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestVinExistsMapsNotFound(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vin") != "WBA8E3G54GNU00225" {
			t.Errorf("unexpected vin query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"notFound":true}`))
	}))
	defer server.Close()

	exists, err := client.VinExists(context.Background(), "wba8e3g54gnu00225")
	if err != nil {
		t.Fatalf("vin exists: %v", err)
	}
	if exists {
		t.Fatalf("expected exists=false for notFound response")
	}
}

func TestFetchReportLinkRejectsEmptyFile(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","file":""}`))
	}))
	defer server.Close()

	_, err := client.FetchReportLink(context.Background(), "WBA8E3G54GNU00225")
	if !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected for empty file url, got %v", err)
	}
}
