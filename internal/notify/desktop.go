package notify

import (
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier raises OS notifications for run outcomes on the
// machine the orchestrator runs on.
type DesktopNotifier struct {
	enabled bool
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send raises one notification. Platforms without a desktop are a
// no-op so headless deployments can leave the sink enabled.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	title := n.Title
	if n.RunID != "" {
		title = n.Title + " [" + n.RunID + "]"
	}

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", n.Message, title)
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		return exec.Command("notify-send",
			"-u", desktopUrgency(n.Type),
			"-i", desktopIcon(n.Type),
			title, n.Message).Run()
	default:
		return nil
	}
}

// desktopUrgency maps notification severity onto notify-send urgency
// levels: dead letters and failed runs should interrupt, approvals
// should not.
func desktopUrgency(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyWarning:
		return "normal"
	default:
		return "low"
	}
}

func desktopIcon(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
