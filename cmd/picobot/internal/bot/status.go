package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picobot/pkg/daemon"
)

// FormatStatus renders info for the status commands.
func FormatStatus(info daemon.StatusInfo) string {
	var b strings.Builder
	b.WriteString("Bot Daemon Status:\n")
	if !info.IsRunning {
		b.WriteString("  Status:      Not running\n")
		return b.String()
	}

	b.WriteString("  Status:      Running\n")
	fmt.Fprintf(&b, "  PID:         %d\n", info.PID)
	if info.Version != "" {
		fmt.Fprintf(&b, "  Version:     %s\n", info.Version)
	}
	if !info.StartTime.IsZero() {
		fmt.Fprintf(&b, "  Uptime:      %s\n", formatDuration(info.Uptime))
	}
	fmt.Fprintf(&b, "  Restarts:    %d\n", info.RestartCount)
	if info.LastError != "" {
		fmt.Fprintf(&b, "  Last Error:  %s\n", info.LastError)
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours %d minutes", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%d days %d hours", int(d.Hours()/24), int(d.Hours())%24)
	}
}
