//go:build !linux && !darwin

package notify

import (
	"fmt"
	"os"
)

func platformNotify(title, body string) error {
	_, err := fmt.Fprintf(os.Stderr, "[%s] %s\n", title, body)
	return err
}

func platformPlaySound() {
	fmt.Fprint(os.Stderr, "\a")
}
