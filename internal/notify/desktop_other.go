//go:build !linux && !darwin && !windows

package notify

import "errors"

var errUnsupported = errors.New("desktop notifications unsupported on this platform")

func showNotificationOS(string, Notification) error { return errUnsupported }

func openURLOS(string) error { return errUnsupported }
