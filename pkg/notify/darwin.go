//go:build darwin

package notify

import (
	"fmt"
	"os/exec"
)

func platformNotify(title, body string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		return fmt.Errorf("osascript notification failed: %w", err)
	}
	return nil
}

func platformPlaySound() {
	_ = exec.Command("afplay", "/System/Library/Sounds/Glass.aiff").Run() //nolint:errcheck // sound is best effort
}
