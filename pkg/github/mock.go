package github

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient is an in-memory APIClient for tests.
type MockClient struct {
	// Err, when set, is returned by every call.
	Err error
	// RepoErrs fails calls for specific repositories.
	RepoErrs   map[string]error
	Repos      []Repo
	Stargazers map[string][]Stargazer
	Hooks      map[string][]Webhook
	// Secrets records the secret handed out for each created hook, keyed by repo.
	Secrets map[string]string

	StargazerCalls []StargazerCall
	CreateCalls    int
	DeleteCalls    int

	nextID int64
	mu     sync.Mutex
}

// StargazerCall records the arguments of one ListStargazers call.
type StargazerCall struct {
	Since     *time.Time
	Repo      string
	TotalHint int
}

// ListOwnedRepos returns the configured repositories with stars.
func (m *MockClient) ListOwnedRepos(context.Context) ([]Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Repo
	for _, r := range m.Repos {
		if r.StarCount > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListStargazers returns the repository's stargazers newer than since, oldest first.
func (m *MockClient) ListStargazers(_ context.Context, repo string, since *time.Time, totalHint int) ([]Stargazer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StargazerCalls = append(m.StargazerCalls, StargazerCall{Repo: repo, Since: since, TotalHint: totalHint})
	if err := m.errFor(repo); err != nil {
		return nil, err
	}
	var out []Stargazer
	for _, s := range m.Stargazers[repo] {
		if since == nil || s.StarredAt.After(*since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StarredAt.Before(out[j].StarredAt) })
	return out, nil
}

// ListWebhooks returns the repository's hooks.
func (m *MockClient) ListWebhooks(_ context.Context, repo string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor(repo); err != nil {
		return nil, err
	}
	return append([]Webhook(nil), m.Hooks[repo]...), nil
}

// CreateWebhook adds a hook and returns a deterministic secret.
func (m *MockClient) CreateWebhook(_ context.Context, repo, url string) (Webhook, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if err := m.errFor(repo); err != nil {
		return Webhook{}, "", err
	}
	m.nextID++
	hook := Webhook{ID: m.nextID, URL: url}
	if m.Hooks == nil {
		m.Hooks = make(map[string][]Webhook)
	}
	if m.Secrets == nil {
		m.Secrets = make(map[string]string)
	}
	m.Hooks[repo] = append(m.Hooks[repo], hook)
	secret := fmt.Sprintf("secret-%s-%d", repo, hook.ID)
	m.Secrets[repo] = secret
	return hook, secret, nil
}

// DeleteWebhook removes a hook by id.
func (m *MockClient) DeleteWebhook(_ context.Context, repo string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if err := m.errFor(repo); err != nil {
		return err
	}
	hooks := m.Hooks[repo]
	for i, h := range hooks {
		if h.ID == id {
			m.Hooks[repo] = append(hooks[:i:i], hooks[i+1:]...)
			return nil
		}
	}
	return nil
}

// HooksFor returns a copy of the hooks registered on repo.
func (m *MockClient) HooksFor(repo string) []Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Webhook(nil), m.Hooks[repo]...)
}

func (m *MockClient) errFor(repo string) error {
	if m.Err != nil {
		return m.Err
	}
	return m.RepoErrs[repo]
}

// Ensure MockClient implements APIClient interface.
var _ APIClient = (*MockClient)(nil)
