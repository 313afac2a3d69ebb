package httpclient_test

import (
	"context"
	"io"
	"testing"

	"github.com/gatecrash/gatecrash/internal/config"
	"github.com/gatecrash/gatecrash/internal/httpclient"
)

func TestParseRequestText(t *testing.T) {
	raw := "POST /api/redeem?src=email HTTP/1.1\r\n" +
		"Host: shop.example\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Token: tok-1\r\n" +
		"\r\n" +
		`{"code": "HALFOFF"}`

	spec, err := httpclient.ParseRequestText(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Method != "POST" {
		t.Errorf("method = %q", spec.Method)
	}
	if spec.Path != "/api/redeem?src=email" {
		t.Errorf("path = %q", spec.Path)
	}
	if got := spec.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content-type = %q", got)
	}
	if spec.Body != `{"code": "HALFOFF"}` {
		t.Errorf("body = %q", spec.Body)
	}
}

func TestParseRequestTextNoBody(t *testing.T) {
	spec, err := httpclient.ParseRequestText("GET /health HTTP/1.1\nHost: x\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Body != "" {
		t.Errorf("body = %q, want empty", spec.Body)
	}
}

func TestParseRequestTextErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"blank lines only", "\n\n"},
		{"bare method", "POST\n"},
		{"header without colon", "GET / HTTP/1.1\nBadHeader\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := httpclient.ParseRequestText(tt.raw); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	spec, err := httpclient.ParseRequestText(
		"POST /pay HTTP/1.1\nHost: vhost.example\nContent-Type: application/json\n\n{\"amount\": 1}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	target := config.Target{Host: "127.0.0.1", Port: 8080}
	req, err := spec.BuildRequest(context.Background(), target)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if req.URL.String() != "http://127.0.0.1:8080/pay" {
		t.Errorf("url = %q", req.URL)
	}
	if req.Host != "vhost.example" {
		t.Errorf("host = %q, want template Host header", req.Host)
	}
	if req.ContentLength != int64(len(`{"amount": 1}`)) {
		t.Errorf("content length = %d", req.ContentLength)
	}

	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"amount": 1}` {
		t.Errorf("body = %q", body)
	}

	// GetBody must replay for retried sends.
	rc, err := req.GetBody()
	if err != nil {
		t.Fatalf("get body: %v", err)
	}
	replay, _ := io.ReadAll(rc)
	if string(replay) != `{"amount": 1}` {
		t.Errorf("replayed body = %q", replay)
	}
}
