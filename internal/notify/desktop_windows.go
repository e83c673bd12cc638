//go:build windows

package notify

import (
	"encoding/xml"
	"os/exec"
	"strings"
)

func showNotificationOS(app string, n Notification) error {
	toastXML := `<toast><visual><binding template="ToastText02">` +
		`<text id="1">` + xmlEscape(n.Title) + `</text>` +
		`<text id="2">` + xmlEscape(n.Description) + `</text>` +
		`</binding></visual></toast>`

	// The XML travels as a parameter so PowerShell never interpolates it.
	script := `param([string]$xml, [string]$app)
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
[Windows.Data.Xml.Dom.XmlDocument, Windows.Data.Xml.Dom.XmlDocument, ContentType = WindowsRuntime] | Out-Null
$doc = [Windows.Data.Xml.Dom.XmlDocument]::new()
$doc.LoadXml($xml)
$toast = [Windows.UI.Notifications.ToastNotification]::new($doc)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier($app).Show($toast)`

	return exec.Command("powershell", "-NoProfile", "-Command", script, "-xml", toastXML, "-app", app).Run()
}

func openURLOS(url string) error {
	return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}
