package gmailhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func writeToken(t *testing.T, tok *oauth2.Token) string {
	t.Helper()
	b, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, b, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileTokenSource(t *testing.T) {
	path := writeToken(t, &oauth2.Token{AccessToken: "abc", Expiry: time.Now().Add(time.Hour)})
	tok, err := (&fileTokenSource{path}).Token()
	if err != nil || tok.AccessToken != "abc" {
		t.Errorf("Token() = %v, %v; want abc", tok, err)
	}

	empty := writeToken(t, &oauth2.Token{})
	if _, err := (&fileTokenSource{empty}).Token(); err == nil {
		t.Errorf("Token() of an empty token = nil error, want an error")
	}
	if _, err := (&fileTokenSource{filepath.Join(t.TempDir(), "missing")}).Token(); err == nil {
		t.Errorf("Token() of a missing file = nil error, want an error")
	}
}

func TestCommandTokenSource(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	src := &commandTokenSource{argv: []string{"/bin/sh", "-c", `echo "tok-for-$1"`, "sh"}, scope: "s1"}
	tok, err := src.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "tok-for-s1" {
		t.Errorf("Token() = %q, want %q", tok.AccessToken, "tok-for-s1")
	}
}

func TestNewSetsCredentials(t *testing.T) {
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.URL.Query().Get("key")
	}))
	defer srv.Close()

	path := writeToken(t, &oauth2.Token{AccessToken: "abc", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
	client, err := New(Options{TokenFile: path, APIKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if auth != "Bearer abc" || key != "k1" {
		t.Errorf("request carried Authorization %q, key %q; want %q, %q", auth, key, "Bearer abc", "k1")
	}
}

func TestNewNeedsTokens(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Errorf("New() without a token source = nil error, want an error")
	}
}
