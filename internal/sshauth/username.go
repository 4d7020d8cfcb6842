package sshauth

import (
	"fmt"
	"os"
	"os/user"
)

// ResolveUsername returns override when set, otherwise the login name of the
// current process.
func ResolveUsername(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("resolve username: no SSH_USERNAME and no login name")
}
