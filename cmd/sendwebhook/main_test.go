package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/webhook"
)

func TestRunSignsExactBody(t *testing.T) {
	for _, form := range []bool{false, true} {
		name := "json"
		if form {
			name = "form"
		}
		t.Run(name, func(t *testing.T) {
			var got *webhook.Payload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Error(err)
				}
				if r.URL.Path != "/webhook" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if !webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), "s3cret") {
					t.Error("signature does not verify over the received bytes")
				}
				got, err = webhook.Decode(body, r.Header.Get("Content-Type"))
				if err != nil {
					t.Error(err)
				}
				w.Write([]byte("OK")) //nolint:errcheck // test
			}))
			defer srv.Close()

			args := []string{"-url", srv.URL + "/", "-secret", "s3cret", "-repo", "alice/app", "-stars", "7"}
			if form {
				args = append(args, "-form")
			}
			var out bytes.Buffer
			if err := run(args, &out); err != nil {
				t.Fatalf("run() error = %v\n%s", err, out.String())
			}
			if got == nil || got.RepoFullName() != "alice/app" || got.StarCount() != 7 || got.SenderLogin() != "test-user" {
				t.Errorf("payload = %+v", got)
			}
			if strings.Contains(out.String(), "s3cret") {
				t.Error("secret printed in clear")
			}
			if !strings.Contains(out.String(), "HTTP 200") {
				t.Errorf("output = %s", out.String())
			}
		})
	}
}

func TestRunNon200(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	var out bytes.Buffer
	if err := run([]string{"-url", srv.URL}, &out); err == nil {
		t.Error("run() should fail on a non-200 response")
	}
}

func TestRunRequiresURL(t *testing.T) {
	if err := run(nil, io.Discard); err == nil {
		t.Error("run() should require -url")
	}
}

func TestBuildBody(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, ct, err := buildBody(options{repo: "test/repo", user: "test-user", stars: 42}, now)
	if err != nil {
		t.Fatal(err)
	}
	if ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	p, err := webhook.Decode(body, ct)
	if err != nil {
		t.Fatal(err)
	}
	if p.Action != "started" || p.StarredAt == nil || !p.StarredAt.Equal(now) {
		t.Errorf("payload = %+v", p)
	}
}
