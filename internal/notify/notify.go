// Package notify sends desktop notifications for epic completion and circuit
// breaks.
package notify

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/executil"
)

// Notifier handles desktop notifications
type Notifier struct {
	enabled bool
	goos    string
	exec    executil.Executor
}

// New creates a new notifier
func New(enabled bool, exec executil.Executor) *Notifier {
	return &Notifier{enabled: enabled, goos: runtime.GOOS, exec: exec}
}

// IsEnabled returns whether notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.enabled
}

// Notify sends a desktop notification
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if !n.IsEnabled() {
		return nil
	}

	switch n.goos {
	case "darwin":
		return n.notifyMacOS(ctx, title, message)
	case "linux":
		return n.notifyLinux(ctx, title, message)
	default:
		// Notifications not supported on this platform
		return nil
	}
}

// NotifyEpicComplete sends notification when an epic run finishes
func (n *Notifier) NotifyEpicComplete(ctx context.Context, s domain.EpicSummary) error {
	var title, message string

	if s.Failed == 0 {
		title = "Epic Complete"
		message = fmt.Sprintf("%s: all %d stories completed", s.Label, s.Completed)
	} else {
		title = "Epic Complete with Errors"
		message = fmt.Sprintf("%s: %d succeeded, %d failed, %d skipped out of %d",
			s.Label, s.Completed, s.Failed, s.Skipped, s.TotalStories)
	}

	return n.Notify(ctx, title, message)
}

// NotifyBlocked sends notification when the circuit breaker blocks a story
func (n *Notifier) NotifyBlocked(ctx context.Context, story domain.Story) error {
	return n.Notify(ctx, "Story Blocked", fmt.Sprintf("%s: %s", story.ID, story.BlockedReason))
}

// notifyMacOS sends notification using osascript on macOS
func (n *Notifier) notifyMacOS(ctx context.Context, title, message string) error {
	// Escape quotes in title and message
	title = strings.ReplaceAll(title, `"`, `\"`)
	message = strings.ReplaceAll(message, `"`, `\"`)

	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	_, err := n.exec.Run(ctx, "osascript", "-e", script)
	return err
}

// notifyLinux sends notification using notify-send on Linux
func (n *Notifier) notifyLinux(ctx context.Context, title, message string) error {
	_, err := n.exec.Run(ctx, "notify-send", title, message)
	return err
}
