/*
Package gmailhttp implements an HTTP client for the Gmail API.

OAuth 2.0 access tokens come from one of two places:

1) a token file holding a golang.org/x/oauth2 Token as JSON, re-read
   whenever the cached token expires, so that an external tool may
   keep it fresh.

2) an external program that prints a bearer token on its standard
   output, run as: program args... scope.  It should behave like the
   one used by https://github.com/google/oauth2l (see
   https://github.com/google/oauth2l/blob/master/util/sso.go).

An API Key may be added to every request for setups that require one.

BUGS:

Tokens from an external program are assumed to expire after five
minutes, since the program does not report the actual expire time.
OAuth 2.0 clients should be designed to gracefully handle expired
token responses from the server at any time.  The client's notion of
token expiry should be at most an optimization that prevents
unecessary network round trips.
*/
package gmailhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/matta/foldermirror/internal/gmail"
	"github.com/matta/foldermirror/internal/tracehttp"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"
)

// Options selects where tokens come from and how requests are sent.
type Options struct {
	// Path of a JSON encoded oauth2.Token.
	TokenFile string

	// Program and arguments printing a token; the scope is
	// appended as the last argument.  Takes precedence over
	// TokenFile.
	TokenCommand []string

	// Added as the "key" parameter of every request if set.
	APIKey string

	// Dumps every request and response to Tracer.
	Tracer tracehttp.Logger
}

// commandTokenSource encodes the information required to run an
// external program to retrieve an OAuth 2.0 bearer token for a set of
// scopes.
type commandTokenSource struct {
	// The command name and leading arguments.
	argv []string

	// The scope (space separated) to authenticate.
	scope string
}

// Token returns a new token for the configured scopes by executing
// the configured external program.  Satisfies oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	args := append(append([]string(nil), s.argv[1:]...), s.scope)
	cmd := exec.Command(s.argv[0], args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s", s.argv[0])
	}
	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("%s printed no token", s.argv[0])
	}

	return &oauth2.Token{
		AccessToken: accessToken,
		Expiry:      time.Now().Add(time.Minute * 5),
	}, nil
}

// fileTokenSource reads a token from a file.  Satisfies
// oauth2.TokenSource.
type fileTokenSource struct {
	path string
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "reading token file")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, errors.Wrapf(err, "parsing token file %q", s.path)
	}
	if tok.AccessToken == "" {
		return nil, errors.Errorf("token file %q holds no access token", s.path)
	}
	return &tok, nil
}

// New returns a new HTTP client capable of using the Gmail API.
func New(opts Options) (*http.Client, error) {
	var src oauth2.TokenSource
	switch {
	case len(opts.TokenCommand) > 0:
		src = &commandTokenSource{argv: opts.TokenCommand, scope: gmail.ReadonlyScope}
	case opts.TokenFile != "":
		src = &fileTokenSource{path: opts.TokenFile}
	default:
		return nil, errors.New("gmail needs a token file or a token command")
	}

	base := http.DefaultTransport
	if opts.Tracer != nil {
		base = tracehttp.Wrap(base, opts.Tracer)
	}
	if opts.APIKey != "" {
		base = &transport.APIKey{Key: opts.APIKey, Transport: base}
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}
