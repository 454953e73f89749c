package pipeline

import (
	"fmt"
	"strings"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
)

// AlertSubject is the subject line of alert notifications
const AlertSubject = "🚨 Security Alert: Suspicious Activity Detected"

// FormatAlertBody renders the notification body for a set of alerts
func FormatAlertBody(alerts []analysis.SecurityAlert, imageURL string) string {
	var b strings.Builder
	b.WriteString("Security Alert from your camera system!\n\n")
	b.WriteString("Suspicious activity has been detected:\n\n")
	for _, a := range alerts {
		fmt.Fprintf(&b, "- %s (Confidence: %.2f%%)\n", a.Type, a.Confidence)
	}
	b.WriteString("\nThe image has been saved to your storage bucket.\n")
	fmt.Fprintf(&b, "Image URL: %s\n\n", imageURL)
	b.WriteString("This is an automated message from your security camera system.")
	return b.String()
}
