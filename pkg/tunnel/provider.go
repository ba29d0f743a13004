package tunnel

import (
	"fmt"
	"strconv"
)

// Provider describes how to run one kind of tunnel binary.
type Provider struct {
	// Args builds the command line for exposing port.
	Args func(port int) []string
	// Target returns a command-line argument that identifies a process
	// tunnelling port, used to find stale processes. Nil disables reaping.
	Target      func(port int) string
	Name        string
	Binary      string
	InstallHint string
	// Env is appended to the supervisor's environment.
	Env []string
	// Discovery strategies are tried in order on every poll.
	Discovery []Discovery
}

const cloudflaredHint = "install cloudflared with `brew install cloudflared` or see https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/"

func localURL(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}

// Cloudflared runs a cloudflared quick tunnel. The URL is read from the
// metrics server's /quicktunnel endpoint, with the log stream as fallback.
func Cloudflared(binary string) Provider {
	if binary == "" {
		binary = "cloudflared"
	}
	return Provider{
		Name:        "cloudflared",
		Binary:      binary,
		InstallHint: cloudflaredHint,
		Args: func(port int) []string {
			return []string{"tunnel", "--no-autoupdate", "--url", localURL(port)}
		},
		Target: localURL,
		Discovery: []Discovery{
			&StatusEndpoint{
				Path:  "/quicktunnel",
				Ports: []int{20241, 20242, 20243, 20244, 20245},
				Parse: ParseQuickTunnel,
			},
			&StreamScraper{Pattern: QuickTunnelPattern},
		},
	}
}

// CloudflaredStream runs a cloudflared quick tunnel and discovers the URL
// only from its log stream, watching for rotation afterwards.
func CloudflaredStream(binary string) Provider {
	p := Cloudflared(binary)
	p.Name = "cloudflared-stream"
	p.Discovery = []Discovery{&StreamScraper{Pattern: QuickTunnelPattern}}
	return p
}

// Ngrok runs an ngrok http tunnel and reads its local agent API.
func Ngrok(binary string) Provider {
	if binary == "" {
		binary = "ngrok"
	}
	return Provider{
		Name:        "ngrok",
		Binary:      binary,
		InstallHint: "install ngrok with `brew install ngrok` or see https://ngrok.com/download",
		Args: func(port int) []string {
			return []string{"http", strconv.Itoa(port), "--log", "stdout"}
		},
		Target: strconv.Itoa,
		Discovery: []Discovery{
			&StatusEndpoint{
				Path:  "/api/tunnels",
				Ports: []int{4040, 4041, 4042},
				Parse: ParseNgrokTunnels,
			},
		},
	}
}

// ProviderByName returns a provider for the configured name.
func ProviderByName(name, binary string) (Provider, error) {
	switch name {
	case "", "cloudflared":
		return Cloudflared(binary), nil
	case "cloudflared-stream":
		return CloudflaredStream(binary), nil
	case "ngrok":
		return Ngrok(binary), nil
	default:
		return Provider{}, fmt.Errorf("unknown tunnel provider %q", name)
	}
}
