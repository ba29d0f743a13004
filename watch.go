package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/starbar/pkg/client"
	"github.com/codeGROOVE-dev/starbar/pkg/feed"
	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

var (
	watchURL     string
	watchAck     bool
	watchVerbose bool
	watchOnce    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the local feed of a running daemon",
	Long: `Connect to the WebSocket feed of a running starbar daemon and print
stars, badge changes and tunnel status as they happen. Reconnects until
interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", client.DefaultServerURL, "Feed URL")
	watchCmd.Flags().BoolVar(&watchAck, "ack", false, "Mark each star read once printed")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "Print every message as JSON")
	watchCmd.Flags().BoolVar(&watchOnce, "no-reconnect", false, "Exit when the connection drops")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	var c *client.Client
	c, err := client.New(client.Config{
		Logger:      logger.Default(),
		ServerURL:   watchURL,
		NoReconnect: watchOnce,
		OnConnect: func() {
			fmt.Fprintf(out, "connected to %s\n", watchURL)
		},
		OnMessage: func(m feed.Message) {
			printMessage(out, m, watchVerbose)
			if watchAck && m.Type == feed.TypeStar && m.Star != nil {
				if err := c.Ack(m.Star.Repo, m.Star.User); err != nil {
					logger.Default().Warn("ack failed", "error", err)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	if err := c.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printMessage(w io.Writer, m feed.Message, verbose bool) {
	if verbose {
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			fmt.Fprintf(w, "%+v\n", m)
			return
		}
		fmt.Fprintln(w, string(b))
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Local().Format("15:04:05")
	switch {
	case m.Type == feed.TypeStar && m.Star != nil:
		fmt.Fprintf(w, "[%s] ⭐ %s from @%s", stamp, m.Star.Repo, m.Star.User)
		if m.Star.StarNumber > 0 {
			fmt.Fprintf(w, " (#%d)", m.Star.StarNumber)
		}
		fmt.Fprintln(w)
	case m.Type == feed.TypeBadge && m.Badge != nil:
		fmt.Fprintf(w, "[%s] %d unread\n", stamp, *m.Badge)
	case m.Type == feed.TypeMenu && m.Menu != nil:
		fmt.Fprintf(w, "[%s] tunnel %s, %d stars total\n", stamp, m.Menu.TunnelStatus, m.Menu.TotalStars)
	default:
		fmt.Fprintf(w, "[%s] %s\n", stamp, m.Type)
	}
}
