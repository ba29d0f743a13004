package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/feed"
	"github.com/codeGROOVE-dev/starbar/pkg/notify"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

func TestPrintScan(t *testing.T) {
	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	res := stars.ScanResult{Repos: 3, TotalStars: 120, New: make([]stars.StarEvent, 2), Failed: []string{"alice/broken"}}
	recent := []stars.StarEvent{
		{Timestamp: ts, Repo: "alice/app", User: "bob", StarNumber: 120},
		{Timestamp: ts.Add(-time.Hour), Repo: "alice/app", User: "carol", IsRead: true},
		{Timestamp: ts.Add(-2 * time.Hour), Repo: "alice/lib", User: "dave", IsRead: true},
	}

	var buf bytes.Buffer
	printScan(&buf, res, recent, 2)
	out := buf.String()

	for _, want := range []string{
		"Scanned 3 repositories: 120 stars total, 2 new",
		"failed: alice/broken",
		"* ",
		"alice/app from @bob (#120)",
		"alice/app from @carol",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "dave") {
		t.Errorf("limit not applied:\n%s", out)
	}
}

func TestPrintMessage(t *testing.T) {
	badge := 3
	tests := []struct {
		msg  feed.Message
		want string
	}{
		{feed.Message{Type: feed.TypeStar, Star: &stars.StarEvent{Repo: "alice/app", User: "bob", StarNumber: 7}}, "⭐ alice/app from @bob (#7)"},
		{feed.Message{Type: feed.TypeBadge, Badge: &badge}, "3 unread"},
		{feed.Message{Type: feed.TypeMenu, Menu: &notify.Menu{TunnelStatus: notify.StatusRunning, TotalStars: 9}}, "tunnel running, 9 stars total"},
		{feed.Message{Type: feed.TypeShutdown}, "shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.msg.Type, func(t *testing.T) {
			var buf bytes.Buffer
			printMessage(&buf, tt.msg, false)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("printMessage() = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	printMessage(&buf, feed.Message{Type: feed.TypeStar, Star: &stars.StarEvent{Repo: "alice/app"}}, true)
	if !strings.Contains(buf.String(), `"repo": "alice/app"`) {
		t.Errorf("verbose output = %s", buf.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"run", "scan", "watch", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}
