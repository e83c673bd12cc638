//go:build linux

package notify

import "os/exec"

func showNotificationOS(app string, n Notification) error {
	return exec.Command("notify-send", "-a", app, "-u", linuxUrgency(n.Severity), n.Title, n.Description).Run()
}

func openURLOS(url string) error {
	return exec.Command("xdg-open", url).Start()
}
