// Package stars keeps per-repository star watermarks, merges scan and
// webhook results into a bounded recent-events feed, and decides which
// repositories get a webhook.
package stars

import (
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
)

// MaxRecentEvents caps the recent-events feed.
const MaxRecentEvents = 50

// DefaultTunnelDomains are hosts of ephemeral tunnel URLs. Webhooks that
// point at them are stale as soon as the tunnel restarts.
var DefaultTunnelDomains = []string{
	"trycloudflare.com",
	"ngrok-free.app",
	"ngrok-free.dev",
	"ngrok.io",
	"ngrok.app",
	"loca.lt",
}

// RepoState is what starbar remembers about one repository.
type RepoState struct {
	// LastStarAt is the watermark: the newest star already incorporated.
	LastStarAt    *time.Time `json:"last_star_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	WebhookSecret string     `json:"webhook_secret,omitempty"`
	StarCount     int        `json:"star_count"`
}

// StarEvent is one star shown to the user.
type StarEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Repo      string    `json:"repo"`
	User      string    `json:"user"`
	// StarNumber is the repository's star count right after this star; zero when unknown.
	StarNumber int  `json:"star_number,omitempty"`
	IsRead     bool `json:"is_read"`
}

func (e StarEvent) key() string {
	return e.Repo + "\x00" + e.User
}

// Snapshot is a copy of the engine's state suitable for persisting.
type Snapshot struct {
	LastFullScan *time.Time           `json:"last_full_scan,omitempty"`
	Repos        map[string]RepoState `json:"repos"`
	Tracked      []string             `json:"tracked_repos"`
	Recent       []StarEvent          `json:"recent_events,omitempty"`
}

// eligible reports whether a repository is active enough to warrant a webhook.
func eligible(st *RepoState, now time.Time) bool {
	if st.StarCount > 10 {
		return true
	}
	if st.LastStarAt != nil && st.LastStarAt.After(now.AddDate(0, -6, 0)) {
		return true
	}
	return !st.CreatedAt.IsZero() && st.CreatedAt.After(now.AddDate(0, -3, 0))
}

// prependEvent puts ev at the front of buf and enforces the cap.
func prependEvent(buf []StarEvent, ev StarEvent) []StarEvent {
	out := make([]StarEvent, 0, min(len(buf)+1, MaxRecentEvents))
	out = append(out, ev)
	for _, e := range buf {
		if len(out) == MaxRecentEvents {
			break
		}
		out = append(out, e)
	}
	return out
}

// mergeEvents folds scan-derived events into the existing feed. An event
// already present (same repo and user) keeps its read flag and takes the
// scan's timestamp. fresh lists the unread events that were not present.
func mergeEvents(existing, scanned []StarEvent) (merged, fresh []StarEvent) {
	merged = slices.Clone(existing)
	index := make(map[string]int, len(merged))
	for i, ev := range merged {
		if _, dup := index[ev.key()]; !dup {
			index[ev.key()] = i
		}
	}

	for _, ev := range scanned {
		if i, ok := index[ev.key()]; ok {
			merged[i].Timestamp = ev.Timestamp
			if merged[i].StarNumber == 0 {
				merged[i].StarNumber = ev.StarNumber
			}
			continue
		}
		index[ev.key()] = len(merged)
		merged = append(merged, ev)
		if !ev.IsRead {
			fresh = append(fresh, ev)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })
	if len(merged) > MaxRecentEvents {
		merged = merged[:MaxRecentEvents]
	}
	return merged, fresh
}

// IsTunnelURL reports whether raw points at one of the tunnel domains.
func IsTunnelURL(raw string, domains []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
