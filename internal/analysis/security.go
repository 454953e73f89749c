package analysis

import "strings"

// securityLabels maps lower-case label names onto alert types
var securityLabels = map[string]string{
	"person":     "Person detected",
	"human":      "Person detected",
	"face":       "Face detected",
	"vehicle":    "Vehicle detected",
	"car":        "Vehicle detected",
	"truck":      "Vehicle detected",
	"motorcycle": "Vehicle detected",
	"bicycle":    "Vehicle detected",
	"weapon":     "Weapon detected",
	"gun":        "Weapon detected",
	"knife":      "Weapon detected",
	"package":    "Package detected",
	"bag":        "Package detected",
	"backpack":   "Package detected",
	"suitcase":   "Package detected",
	"mask":       "Person wearing mask",
	"helmet":     "Person wearing helmet",
	"uniform":    "Person in uniform",
	"police":     "Police officer detected",
	"security":   "Security personnel detected",
}

// SecurityCategory returns the alert type for a label name, if any.
// Matching is case-insensitive and exact.
func SecurityCategory(label string) (string, bool) {
	t, ok := securityLabels[strings.ToLower(strings.TrimSpace(label))]
	return t, ok
}

// SecurityAlerts maps labels onto security alerts, keeping label order
func SecurityAlerts(labels []Label) []SecurityAlert {
	var alerts []SecurityAlert
	for _, l := range labels {
		if t, ok := SecurityCategory(l.Name); ok {
			alerts = append(alerts, SecurityAlert{Type: t, Confidence: l.Confidence})
		}
	}
	return alerts
}
