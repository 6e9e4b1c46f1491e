package report

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"echobin/cfg"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// NewGitHubClient returns a gists client authenticated with a bearer token.
// apiURL overrides api.github.com, mainly for GitHub Enterprise.
func NewGitHubClient(ctx context.Context, token cfg.Secret, apiURL string, c cfg.ReportCfg) (*github.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: c.Timeout})
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = c.Timeout
	client := github.NewClient(tc)
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse github api url")
		}
		client.BaseURL = u
	}
	return client, nil
}

// NewGitHub builds a Reporter that discloses through the gists API.
func NewGitHub(ctx context.Context, token cfg.Secret, c cfg.ReportCfg) (*Reporter, error) {
	client, err := NewGitHubClient(ctx, token, c.GitHubAPIURL, c)
	if err != nil {
		return nil, err
	}
	return New(client.Gists, Options{
		Interval:   c.Interval,
		Timeout:    c.Timeout,
		QueueLimit: c.QueueLimit,
		BatchSize:  c.BatchSize,
	}), nil
}
