package stars

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/starbar/pkg/github"
	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/secrets"
	"github.com/codeGROOVE-dev/starbar/pkg/webhook"
)

const (
	// Repositories scanned or reconciled in parallel.
	defaultConcurrency = 4
	// firstScanEvents is how many stars a first scan surfaces, already read.
	firstScanEvents = 10
)

// Config configures an Engine.
type Config struct {
	API    github.APIClient
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now           func() time.Time
	TunnelDomains []string
	Concurrency   int
}

// Engine owns all star state. Every mutation happens under mu, whether it
// comes from a scan, a webhook delivery or the user acknowledging events.
type Engine struct {
	api           github.APIClient
	logger        *slog.Logger
	now           func() time.Time
	repos         map[string]*RepoState
	lastFullScan  *time.Time
	tunnelDomains []string
	tracked       []string
	recent        []StarEvent
	concurrency   int
	reconciling   atomic.Bool
	mu            sync.Mutex
}

// New creates an engine with empty state.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TunnelDomains == nil {
		cfg.TunnelDomains = DefaultTunnelDomains
	}
	return &Engine{
		api:           cfg.API,
		logger:        logger.Or(cfg.Logger),
		now:           cfg.Now,
		repos:         make(map[string]*RepoState),
		tunnelDomains: cfg.TunnelDomains,
		concurrency:   cfg.Concurrency,
	}
}

// ScanResult summarizes a full scan.
type ScanResult struct {
	// New holds unread events discovered by this scan that were not
	// already in the feed; they warrant a notification.
	New        []StarEvent
	Failed     []string
	Repos      int
	TotalStars int
}

type repoScan struct {
	newest *time.Time
	repo   github.Repo
	events []StarEvent
}

// FullScan lists every owned repository with stars, fetches stargazers past
// each watermark, and folds the results into state. One repository failing
// does not stop the others; a failure to list repositories fails the scan.
// Scan events are merged into the recent feed rather than replacing it, so
// webhook events and read flags survive a scan that finds nothing new.
func (e *Engine) FullScan(ctx context.Context) (ScanResult, error) {
	start := e.now()
	repos, err := e.api.ListOwnedRepos(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list owned repositories: %w", err)
	}
	e.logger.Info("starting full scan", "repos", len(repos))

	scans := make([]*repoScan, len(repos))
	var failedMu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, repo := range repos {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			watermark := e.watermark(repo.FullName)
			stargazers, err := e.api.ListStargazers(gctx, repo.FullName, watermark, repo.StarCount)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger.Error("failed to fetch stargazers", "repo", repo.FullName, "error", err)
				}
				failedMu.Lock()
				failed = append(failed, repo.FullName)
				failedMu.Unlock()
				return nil
			}
			scans[i] = scanRepo(repo, watermark == nil, stargazers)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ScanResult{}, fmt.Errorf("full scan interrupted: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var scanned []StarEvent
	for _, s := range scans {
		if s == nil {
			continue
		}
		st := e.stateLocked(s.repo.FullName, s.repo.CreatedAt)
		st.StarCount = s.repo.StarCount
		if !s.repo.CreatedAt.IsZero() {
			st.CreatedAt = s.repo.CreatedAt
		}
		if s.newest != nil && (st.LastStarAt == nil || s.newest.After(*st.LastStarAt)) {
			t := *s.newest
			st.LastStarAt = &t
		}
		scanned = append(scanned, s.events...)
	}

	var fresh []StarEvent
	e.recent, fresh = mergeEvents(e.recent, scanned)
	finished := e.now()
	e.lastFullScan = &finished

	sort.Strings(failed)
	result := ScanResult{
		Repos:      len(repos),
		Failed:     failed,
		New:        fresh,
		TotalStars: e.totalStarsLocked(),
	}
	e.logger.Info("full scan complete",
		"repos", result.Repos,
		"failed", len(failed),
		"new_stars", len(fresh),
		"total_stars", result.TotalStars,
		"duration", finished.Sub(start))
	return result, nil
}

// scanRepo turns fetched stargazers into events, newest first. A first scan
// keeps only the most recent few, pre-marked read.
func scanRepo(repo github.Repo, first bool, stargazers []github.Stargazer) *repoScan {
	sorted := slices.Clone(stargazers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StarredAt.After(sorted[j].StarredAt) })

	s := &repoScan{repo: repo}
	if len(sorted) > 0 {
		t := sorted[0].StarredAt
		s.newest = &t
	}
	for i, sg := range sorted {
		if first && i >= firstScanEvents {
			break
		}
		s.events = append(s.events, StarEvent{
			Repo:       repo.FullName,
			User:       sg.User,
			Timestamp:  sg.StarredAt,
			StarNumber: max(repo.StarCount-i, 0),
			IsRead:     first,
		})
	}
	return s
}

// IngestResult describes what a delivery changed.
type IngestResult struct {
	// Event is the new unread star, nil unless the action was "started".
	Event *StarEvent
	Repo  string
	// Ping is set for connectivity checks, which change nothing.
	Ping    bool
	NewRepo bool
}

// Ingest applies one authenticated webhook delivery.
func (e *Engine) Ingest(p *webhook.Payload) IngestResult {
	if p.IsConnectivityCheck() {
		e.logger.Debug("connectivity check received", "repo", p.RepoFullName())
		return IngestResult{Ping: true, Repo: p.RepoFullName()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	name := p.RepoFullName()
	_, known := e.repos[name]
	st := e.stateLocked(name, now)
	res := IngestResult{Repo: name, NewRepo: !known}

	st.StarCount = p.StarCount()
	if p.StarredAt != nil && (st.LastStarAt == nil || p.StarredAt.After(*st.LastStarAt)) {
		t := *p.StarredAt
		st.LastStarAt = &t
	}

	switch p.Action {
	case "started":
		ts := now
		if p.StarredAt != nil {
			ts = *p.StarredAt
		}
		ev := StarEvent{
			Repo:       name,
			User:       p.SenderLogin(),
			Timestamp:  ts,
			StarNumber: p.StarCount(),
		}
		e.recent = prependEvent(e.recent, ev)
		res.Event = &ev
	case "deleted":
		e.logger.Info("star removed", "repo", name, "user", p.SenderLogin(), "stars", st.StarCount)
	default:
		e.logger.Debug("ignoring delivery action", "repo", name, "action", p.Action)
	}
	return res
}

// ShouldRegisterWebhook reports whether repo is active enough for a webhook:
// more than ten stars, a star in the last six months, or created in the
// last three. Unknown repositories are not eligible.
func (e *Engine) ShouldRegisterWebhook(repo string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.repos[repo]
	return ok && eligible(st, e.now())
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Failed     []string
	Eligible   int
	Registered int
	Removed    int
	// Skipped is set when another reconciliation was already running.
	Skipped bool
}

// ReconcileWebhooks points every eligible repository's webhook at
// publicURL. Hooks aimed at any tunnel domain are deleted first, then a
// fresh hook is created and its secret stored. Only one pass runs at a
// time; a concurrent call returns immediately with Skipped set.
func (e *Engine) ReconcileWebhooks(ctx context.Context, publicURL string) (ReconcileResult, error) {
	if !e.reconciling.CompareAndSwap(false, true) {
		e.logger.Info("webhook reconciliation already running; skipping")
		return ReconcileResult{Skipped: true}, nil
	}
	defer e.reconciling.Store(false)

	base, err := url.Parse(strings.TrimRight(publicURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return ReconcileResult{}, fmt.Errorf("invalid public URL %q", publicURL)
	}
	target := base.String() + "/webhook"

	repos := e.eligibleRepos()
	result := ReconcileResult{Eligible: len(repos)}
	e.logger.Info("reconciling webhooks", "target", target, "eligible", len(repos))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, repo := range repos {
		g.Go(func() error {
			removed, err := e.reconcileRepo(gctx, repo, target)
			mu.Lock()
			defer mu.Unlock()
			result.Removed += removed
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger.Error("webhook reconciliation failed", "repo", repo, "error", err)
				}
				result.Failed = append(result.Failed, repo)
				return nil
			}
			result.Registered++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	sort.Strings(result.Failed)

	e.logger.Info("webhook reconciliation complete",
		"registered", result.Registered,
		"removed", result.Removed,
		"failed", len(result.Failed))
	return result, ctx.Err()
}

func (e *Engine) reconcileRepo(ctx context.Context, repo, target string) (removed int, err error) {
	hooks, err := e.api.ListWebhooks(ctx, repo)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}
	for _, h := range hooks {
		if !IsTunnelURL(h.URL, e.tunnelDomains) {
			continue
		}
		if err := e.api.DeleteWebhook(ctx, repo, h.ID); err != nil {
			e.logger.Warn("failed to delete stale webhook", "repo", repo, "hook_id", h.ID, "url", h.URL, "error", err)
			continue
		}
		removed++
	}

	hook, secret, err := e.api.CreateWebhook(ctx, repo, target)
	if err != nil {
		return removed, fmt.Errorf("create webhook: %w", err)
	}

	e.mu.Lock()
	e.stateLocked(repo, e.now()).WebhookSecret = secret
	e.mu.Unlock()

	e.logger.Debug("webhook registered", "repo", repo, "hook_id", hook.ID, "secret", secrets.Redact(secret))
	return removed, nil
}

func (e *Engine) eligibleRepos() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var out []string
	for _, name := range e.tracked {
		if st := e.repos[name]; st != nil && eligible(st, now) {
			out = append(out, name)
		}
	}
	return out
}

// SecretFor returns the webhook secret registered for repo.
func (e *Engine) SecretFor(repo string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.repos[repo]
	if !ok || st.WebhookSecret == "" {
		return "", false
	}
	return st.WebhookSecret, true
}

// Recent returns a copy of the recent-events feed, newest first.
func (e *Engine) Recent() []StarEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.recent)
}

// UnreadCount returns the number of unread events in the feed.
func (e *Engine) UnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.recent {
		if !ev.IsRead {
			n++
		}
	}
	return n
}

// MarkRead acknowledges the events for repo starred by user.
func (e *Engine) MarkRead(repo, user string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for i := range e.recent {
		if e.recent[i].Repo == repo && e.recent[i].User == user && !e.recent[i].IsRead {
			e.recent[i].IsRead = true
			changed = true
		}
	}
	return changed
}

// MarkAllRead acknowledges every event and returns how many changed.
func (e *Engine) MarkAllRead() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.recent {
		if !e.recent[i].IsRead {
			e.recent[i].IsRead = true
			n++
		}
	}
	return n
}

// TotalStars sums the star counts of tracked repositories.
func (e *Engine) TotalStars() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalStarsLocked()
}

// LastFullScan returns when the last full scan finished, or the zero time.
func (e *Engine) LastFullScan() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastFullScan == nil {
		return time.Time{}
	}
	return *e.lastFullScan
}

// Tracked returns the tracked repositories in insertion order.
func (e *Engine) Tracked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.tracked)
}

// Repo returns a copy of one repository's state.
func (e *Engine) Repo(name string) (RepoState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.repos[name]
	if !ok {
		return RepoState{}, false
	}
	return *st, true
}

// Snapshot copies the engine's state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Repos:   make(map[string]RepoState, len(e.repos)),
		Tracked: slices.Clone(e.tracked),
		Recent:  slices.Clone(e.recent),
	}
	for name, st := range e.repos {
		snap.Repos[name] = *st
	}
	if e.lastFullScan != nil {
		t := *e.lastFullScan
		snap.LastFullScan = &t
	}
	return snap
}

// Restore replaces the engine's state with snap.
func (e *Engine) Restore(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repos = make(map[string]*RepoState, len(snap.Repos))
	for name, st := range snap.Repos {
		e.repos[name] = &st
	}
	e.tracked = nil
	seen := make(map[string]bool, len(snap.Tracked))
	for _, name := range snap.Tracked {
		if seen[name] {
			continue
		}
		seen[name] = true
		e.tracked = append(e.tracked, name)
		if _, ok := e.repos[name]; !ok {
			e.repos[name] = &RepoState{}
		}
	}
	names := make([]string, 0, len(e.repos))
	for name := range e.repos {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	e.tracked = append(e.tracked, names...)

	e.recent = slices.Clone(snap.Recent)
	sort.SliceStable(e.recent, func(i, j int) bool { return e.recent[i].Timestamp.After(e.recent[j].Timestamp) })
	if len(e.recent) > MaxRecentEvents {
		e.recent = e.recent[:MaxRecentEvents]
	}
	e.lastFullScan = nil
	if snap.LastFullScan != nil {
		t := *snap.LastFullScan
		e.lastFullScan = &t
	}
}

func (e *Engine) watermark(repo string) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.repos[repo]
	if !ok || st.LastStarAt == nil {
		return nil
	}
	t := *st.LastStarAt
	return &t
}

// stateLocked returns repo's state, creating and tracking it if unseen.
func (e *Engine) stateLocked(repo string, createdAt time.Time) *RepoState {
	st, ok := e.repos[repo]
	if !ok {
		st = &RepoState{CreatedAt: createdAt}
		e.repos[repo] = st
		e.tracked = append(e.tracked, repo)
	}
	return st
}

func (e *Engine) totalStarsLocked() int {
	total := 0
	for _, name := range e.tracked {
		if st := e.repos[name]; st != nil {
			total += st.StarCount
		}
	}
	return total
}
