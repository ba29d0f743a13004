// Package github is the thin client starbar uses to talk to the GitHub REST
// API: owned repositories, stargazers and repository webhooks.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/secrets"
)

const (
	clientTimeout = 30 * time.Second
	perPage       = 100
	// recentPageWindow bounds a first scan of a popular repository to its
	// most recent stargazers.
	recentPageWindow = 5
)

// ErrInvalidRepoName is returned for names not of the form owner/name.
var ErrInvalidRepoName = errors.New("repository name must be owner/name")

// Repo is an owned repository with at least one star.
type Repo struct {
	CreatedAt time.Time
	FullName  string
	Owner     string
	StarCount int
}

// Stargazer is one star on a repository.
type Stargazer struct {
	StarredAt time.Time
	User      string
}

// Webhook is a repository hook as seen by starbar.
type Webhook struct {
	URL string
	ID  int64
}

// APIClient is the subset of the GitHub API the sync engine depends on.
type APIClient interface {
	ListOwnedRepos(ctx context.Context) ([]Repo, error)
	// ListStargazers returns stars newer than since (all when nil), oldest
	// first. totalHint is the repository's current star count, used to
	// jump straight to the newest pages.
	ListStargazers(ctx context.Context, repo string, since *time.Time, totalHint int) ([]Stargazer, error)
	ListWebhooks(ctx context.Context, repo string) ([]Webhook, error)
	// CreateWebhook registers a watch hook at url and returns it with the
	// freshly generated secret.
	CreateWebhook(ctx context.Context, repo, url string) (Webhook, string, error)
	DeleteWebhook(ctx context.Context, repo string, id int64) error
}

// Client implements APIClient with go-github.
type Client struct {
	gh       *github.Client
	logger   *slog.Logger
	attempts uint
	maxDelay time.Duration
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	attempts   uint
	maxDelay   time.Duration
}

// WithHTTPClient replaces the token-authenticated transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = u }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithRetry sets the attempt count and maximum backoff for transient failures.
func WithRetry(attempts uint, maxDelay time.Duration) Option {
	return func(o *clientOptions) {
		o.attempts = attempts
		o.maxDelay = maxDelay
	}
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...Option) (*Client, error) {
	o := clientOptions{attempts: 3, maxDelay: 2 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	hc := o.httpClient
	if hc == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
		hc.Timeout = clientTimeout
	}

	gh := github.NewClient(hc)
	if o.baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(o.baseURL, o.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure base URL: %w", err)
		}
	}
	gh.UserAgent = "starbar/1.0"

	return &Client{
		gh:       gh,
		logger:   logger.Or(o.logger),
		attempts: o.attempts,
		maxDelay: o.maxDelay,
	}, nil
}

// SplitRepo splits owner/name.
func SplitRepo(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepoName, fullName)
	}
	return owner, name, nil
}

// ListOwnedRepos pages through the authenticated user's own repositories
// until an empty page and keeps those with stars.
func (c *Client) ListOwnedRepos(ctx context.Context) ([]Repo, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner",
		ListOptions: github.ListOptions{PerPage: perPage, Page: 1},
	}

	var repos []Repo
	for {
		var page []*github.Repository
		err := c.call(ctx, "list owned repos", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			page, resp, err = c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			if r.GetStargazersCount() <= 0 {
				continue
			}
			repos = append(repos, Repo{
				FullName:  r.GetFullName(),
				Owner:     r.GetOwner().GetLogin(),
				StarCount: r.GetStargazersCount(),
				CreatedAt: r.GetCreatedAt().Time,
			})
		}
		opts.Page++
	}

	c.logger.Debug("listed owned repositories", "count", len(repos), "pages", opts.Page-1)
	return repos, nil
}

// ListStargazers fetches stargazers with timestamps. GitHub lists them
// oldest first, so with a known total the newest pages are read from the
// end: a first scan reads at most recentPageWindow pages, and an
// incremental scan stops at the first page that reaches the watermark.
func (c *Client) ListStargazers(ctx context.Context, repo string, since *time.Time, totalHint int) ([]Stargazer, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	fetch := func(page int) ([]Stargazer, error) {
		var batch []*github.Stargazer
		err := c.call(ctx, "list stargazers "+repo, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			batch, resp, err = c.gh.Activity.ListStargazers(ctx, owner, name, &github.ListOptions{PerPage: perPage, Page: page})
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		out := make([]Stargazer, 0, len(batch))
		for _, s := range batch {
			out = append(out, Stargazer{User: s.GetUser().GetLogin(), StarredAt: s.GetStarredAt().Time})
		}
		return out, nil
	}

	var all []Stargazer
	lastPage := (totalHint + perPage - 1) / perPage

	if totalHint > 0 && (since != nil || totalHint > perPage) {
		firstPage := 1
		if since == nil {
			firstPage = max(1, lastPage-recentPageWindow+1)
		}
		for page := lastPage; page >= firstPage; page-- {
			batch, err := fetch(page)
			if err != nil {
				return nil, err
			}
			all = append(all, batch...)
			if since != nil && reachesWatermark(batch, *since) {
				break
			}
		}
	} else {
		for page := 1; ; page++ {
			batch, err := fetch(page)
			if err != nil {
				return nil, err
			}
			all = append(all, batch...)
			if len(batch) < perPage {
				break
			}
		}
	}

	if since != nil {
		fresh := all[:0]
		for _, s := range all {
			if s.StarredAt.After(*since) {
				fresh = append(fresh, s)
			}
		}
		all = fresh
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StarredAt.Before(all[j].StarredAt) })
	return all, nil
}

func reachesWatermark(batch []Stargazer, since time.Time) bool {
	for _, s := range batch {
		if !s.StarredAt.After(since) {
			return true
		}
	}
	return false
}

// ListWebhooks returns every hook on repo with its delivery URL.
func (c *Client) ListWebhooks(ctx context.Context, repo string) ([]Webhook, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: perPage}
	var hooks []Webhook
	for {
		var page []*github.Hook
		var resp *github.Response
		err := c.call(ctx, "list hooks "+repo, func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListHooks(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, h := range page {
			hooks = append(hooks, Webhook{ID: h.GetID(), URL: h.GetConfig().GetURL()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return hooks, nil
}

// CreateWebhook registers a JSON watch hook at url signed with a new secret.
func (c *Client) CreateWebhook(ctx context.Context, repo, url string) (Webhook, string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return Webhook{}, "", err
	}
	secret, err := secrets.Generate(secrets.DefaultLength)
	if err != nil {
		return Webhook{}, "", fmt.Errorf("generate webhook secret: %w", err)
	}

	hook := &github.Hook{
		Name:   github.String("web"),
		Active: github.Bool(true),
		Events: []string{"watch"},
		Config: &github.HookConfig{
			URL:         github.String(url),
			ContentType: github.String("json"),
			InsecureSSL: github.String("0"),
			Secret:      github.String(secret),
		},
	}

	var created *github.Hook
	err = c.call(ctx, "create hook "+repo, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = c.gh.Repositories.CreateHook(ctx, owner, name, hook)
		return resp, err
	})
	if err != nil {
		return Webhook{}, "", err
	}

	c.logger.Info("created webhook", "repo", repo, "hook_id", created.GetID(), "url", url, "secret", secrets.Redact(secret))
	return Webhook{ID: created.GetID(), URL: url}, secret, nil
}

// DeleteWebhook removes hook id from repo. A hook that is already gone is not an error.
func (c *Client) DeleteWebhook(ctx context.Context, repo string, id int64) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	err = c.call(ctx, "delete hook "+repo, func() (*github.Response, error) {
		return c.gh.Repositories.DeleteHook(ctx, owner, name, id)
	})
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// call runs fn with exponential backoff on transient failures: network
// errors, 5xx responses and rate limiting. Everything else fails at once.
func (c *Client) call(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	var lastErr error

	err := retry.Do(
		func() error {
			resp, err := fn()
			if err == nil {
				return nil
			}
			lastErr = fmt.Errorf("%s: %w", op, err)
			if !retryable(resp, err) {
				return retry.Unrecoverable(lastErr)
			}

			var rle *github.RateLimitError
			if errors.As(err, &rle) {
				c.logger.Warn("GitHub API rate limit hit", "op", op, "reset", rle.Rate.Reset.Time)
			} else {
				c.logger.Warn("GitHub API request failed (will retry)", "op", op, "error", err)
			}
			return lastErr
		},
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(c.maxDelay),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func retryable(resp *github.Response, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return true
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

var _ APIClient = (*Client)(nil)
