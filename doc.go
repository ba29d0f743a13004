/*
Starbar notifies you in near-real-time when one of your GitHub repositories
receives a new star.

It runs three cooperating pieces:
  - a tunnel supervisor that keeps cloudflared (or ngrok) running, discovers
    its public URL, and restarts it when it dies or the network changes
  - a small webhook receiver that frames raw HTTP requests, verifies
    X-Hub-Signature-256 with a per-repository secret, and always answers 200
  - a sync engine that scans owned repositories on a schedule, keeps a
    per-repository watermark, and points webhooks of active repositories at
    the current tunnel URL

Usage:

	starbar run                 # the daemon (default command)
	starbar scan                # one full scan, then print totals
	starbar watch               # follow the local feed of a running daemon
	starbar version

Configuration is read from config.yaml in the user config directory, from
STARBAR_* environment variables, and from flags. The GitHub token comes
from --token, github_token, GITHUB_TOKEN, or `gh auth token`, in that order.

The daemon serves a local WebSocket feed on 127.0.0.1:3001 that mirrors
notifications for menu-bar and terminal clients:

	{"type": "star", "star": {"repo": "alice/app", "user": "bob", "star_number": 42}}

Clients acknowledge stars with {"type": "ack", "star": {...}} or
{"type": "ack_all"}. The feed only accepts localhost origins.
*/
package main
