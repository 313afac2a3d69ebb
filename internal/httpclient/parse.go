// Package httpclient turns rendered raw-request templates into *http.Request
// values and builds the tuned transports the connection strategies ride on.
package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gatecrash/gatecrash/internal/config"
)

// RequestSpec is a parsed raw HTTP request template: one request line,
// header lines, then an optional body after the first blank line.
type RequestSpec struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// ParseRequestText parses rendered raw request text, e.g.:
//
//	POST /api/redeem HTTP/1.1
//	Host: shop.example
//	Content-Type: application/json
//
//	{"code": "{{coupon}}"}
//
// The HTTP-version token on the request line is optional and ignored; the
// negotiated protocol is decided by the connection strategy, not the
// template.
func ParseRequestText(raw string) (*RequestSpec, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	scanner := bufio.NewScanner(strings.NewReader(normalized))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	spec := &RequestSpec{Header: http.Header{}}
	var bodyLines []string
	inBody := false
	sawRequestLine := false

	for scanner.Scan() {
		line := scanner.Text()

		if inBody {
			bodyLines = append(bodyLines, line)
			continue
		}

		if !sawRequestLine {
			if strings.TrimSpace(line) == "" {
				continue
			}
			parts := strings.Fields(line)
			if len(parts) < 2 {
				return nil, fmt.Errorf("invalid request line %q", line)
			}
			spec.Method = strings.ToUpper(parts[0])
			spec.Path = parts[1]
			sawRequestLine = true
			continue
		}

		if strings.TrimSpace(line) == "" {
			inBody = true
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		spec.Header.Add(http.CanonicalHeaderKey(key), value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	if !sawRequestLine {
		return nil, fmt.Errorf("request template is empty")
	}

	spec.Body = strings.Join(bodyLines, "\n")
	return spec, nil
}

// BuildRequest materializes the parsed request into an *http.Request against the
// target. The template's Host header, if present, overrides the target host
// for the Host field only; the connection is always dialed to the target.
func (s *RequestSpec) BuildRequest(ctx context.Context, target config.Target) (*http.Request, error) {
	url := target.BaseURL() + s.Path
	var body *strings.Reader
	if s.Body != "" {
		body = strings.NewReader(s.Body)
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, s.Method, url, body)
	if err != nil {
		return nil, err
	}

	for key, values := range s.Header {
		for _, val := range values {
			req.Header.Add(key, val)
		}
	}

	if host := s.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	req.ContentLength = int64(len(s.Body))
	bodyText := s.Body
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(bodyText)), nil
	}

	return req, nil
}
