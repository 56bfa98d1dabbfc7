package tracehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recorder struct{ lines []string }

func (r *recorder) Printf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func TestWrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	rec := &recorder{}
	client := &http.Client{Transport: Wrap(srv.Client().Transport, rec)}
	resp, err := client.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || string(body) != "pong" {
		t.Fatalf("body = %q, %v; want pong", body, err)
	}
	if len(rec.lines) != 2 {
		t.Fatalf("got %d dumps, want 2: %q", len(rec.lines), rec.lines)
	}
	if !strings.HasPrefix(rec.lines[0], "GET /ping HTTP/1.1") {
		t.Errorf("request dump = %q, want a GET /ping", rec.lines[0])
	}
	if !strings.HasPrefix(rec.lines[1], "HTTP/1.1 200 OK") || !strings.HasSuffix(rec.lines[1], "pong") {
		t.Errorf("response dump = %q, want 200 OK with the body", rec.lines[1])
	}
}
