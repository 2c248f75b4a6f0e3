package util

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ValidateSessionID trims a session identity typed or pasted by a user and
// rejects values that cannot be one.
func ValidateSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	id = strings.TrimSuffix(id, "/")
	if i := strings.LastIndex(id, "/join/"); i >= 0 {
		id = id[i+len("/join/"):]
	}
	if id == "" {
		return "", errors.New("session id is empty")
	}
	if len(id) > 128 {
		return "", errors.New("session id is too long")
	}
	if strings.ContainsAny(id, `/\ ?#`) || strings.Contains(id, "..") {
		return "", errors.New("session id must not contain spaces, slashes, '?', '#' or '..'")
	}
	return id, nil
}

// WriteJSONFile writes v as indented JSON, creating parent directories.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// OpenURL opens url in the system's default browser.
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return errors.New("unsupported platform")
	}
	return cmd.Start()
}
