//go:build darwin

package notify

import "os/exec"

func showNotificationOS(app string, n Notification) error {
	script := `display notification "` + escapeAppleScript(n.Description) +
		`" with title "` + escapeAppleScript(app) +
		`" subtitle "` + escapeAppleScript(n.Title) + `"`
	return exec.Command("osascript", "-e", script).Run()
}

func openURLOS(url string) error {
	return exec.Command("open", url).Start()
}
