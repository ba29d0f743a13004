// Command sendwebhook posts a signed synthetic star delivery to a starbar
// webhook endpoint, for checking a tunnel end to end.
//
//	sendwebhook -url https://quiet-fox-123.trycloudflare.com -secret s3cret
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/secrets"
	"github.com/codeGROOVE-dev/starbar/pkg/webhook"
)

const requestTimeout = 15 * time.Second

type options struct {
	url    string
	secret string
	repo   string
	user   string
	stars  int
	form   bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sendwebhook", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.url, "url", "", "Tunnel base URL; /webhook is appended")
	fs.StringVar(&o.secret, "secret", "", "Webhook secret of the repository")
	fs.StringVar(&o.repo, "repo", "test/repo", "Repository full name")
	fs.StringVar(&o.user, "user", "test-user", "Stargazer login")
	fs.IntVar(&o.stars, "stars", 42, "Stargazer count to report")
	fs.BoolVar(&o.form, "form", false, "Send as application/x-www-form-urlencoded payload=")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.url == "" {
		return errors.New("-url is required")
	}

	body, contentType, err := buildBody(o, time.Now())
	if err != nil {
		return err
	}
	target := strings.TrimRight(o.url, "/") + "/webhook"

	fmt.Fprintf(out, "Sending test webhook to %s\n", target)
	if o.secret != "" {
		fmt.Fprintf(out, "Using secret %s\n", secrets.Redact(o.secret))
	} else {
		fmt.Fprintln(out, "No secret given; sending unsigned")
	}
	fmt.Fprintf(out, "Payload:\n%s\n\n", body)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "GitHub-Hookshot/starbar-test")
	req.Header.Set("X-Github-Event", "watch")
	req.Header.Set("X-Github-Delivery", fmt.Sprintf("test-%d", time.Now().UnixNano()))
	if o.secret != "" {
		// Signed over the exact bytes on the wire, form encoding included.
		sig := webhook.Sign(body, o.secret)
		req.Header.Set(webhook.SignatureHeader, sig)
		fmt.Fprintf(out, "Signature: %s\n", sig)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	fmt.Fprintf(out, "Response: HTTP %d\n", resp.StatusCode)
	fmt.Fprintf(out, "Body: %s\n", respBody)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "Webhook delivered")
	return nil
}

// buildBody returns the request body and its content type.
func buildBody(o options, now time.Time) ([]byte, string, error) {
	doc, err := json.MarshalIndent(map[string]any{
		"action":     "started",
		"starred_at": now.UTC().Format(time.RFC3339),
		"repository": map[string]any{
			"full_name":        o.repo,
			"stargazers_count": o.stars,
		},
		"sender": map[string]any{"login": o.user},
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}
	if o.form {
		return []byte("payload=" + url.QueryEscape(string(doc))), "application/x-www-form-urlencoded", nil
	}
	return doc, "application/json", nil
}
