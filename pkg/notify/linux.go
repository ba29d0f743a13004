//go:build linux

package notify

import (
	"fmt"
	"os"
	"os/exec"
)

func platformNotify(title, body string) error {
	if err := exec.Command("notify-send", "--app-name=starbar", title, body).Run(); err != nil {
		return fmt.Errorf("notify-send failed: %w", err)
	}
	return nil
}

func platformPlaySound() {
	const soundPath = "/usr/share/sounds/freedesktop/stereo/message-new-instant.oga"
	if _, err := os.Stat(soundPath); err == nil {
		_ = exec.Command("paplay", soundPath).Run() //nolint:errcheck // sound is best effort
	}
}
