// Package systemd wires socket activation and readiness notification.
package systemd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listener names set with FileDescriptorName= in ctrlpark.socket.
const (
	NameHTTP    = "http"
	NameMetrics = "metrics"
)

// Listeners holds the systemd-activated listeners.
type Listeners struct {
	HTTP      net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves socket-activated listeners. Outside socket
// activation it returns an empty, non-activated set.
func GetListeners() (*Listeners, error) {
	return listenersFrom(activation.Files(false), activation.ListenersWithNames)
}

func listenersFrom(fds []*os.File, named func() (map[string][]net.Listener, error)) (*Listeners, error) {
	listeners := &Listeners{}
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	byName, err := named()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns := byName[NameHTTP]; len(lns) > 0 {
		listeners.HTTP = lns[0]
	}
	if lns := byName[NameMetrics]; len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	// A single unnamed socket is the API.
	if listeners.HTTP == nil && listeners.Metrics == nil {
		for _, lns := range byName {
			if len(lns) > 0 {
				listeners.HTTP = lns[0]
				break
			}
		}
	}

	return listeners, nil
}

// NotifyReady sends READY=1 to systemd. Outside systemd it is a no-op.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 to systemd.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 to systemd.
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns how often to send WATCHDOG=1, or 0 when the
// unit has no watchdog configured.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
