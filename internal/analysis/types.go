package analysis

// LabelsRequest is sent to the label analysis service
type LabelsRequest struct {
	ImageURL      string  `json:"image_url"`
	MaxLabels     int     `json:"max_labels"`
	MinConfidence float64 `json:"min_confidence"`
}

// Label is a detected label with its confidence in percent
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// LabelsResponse is returned by the label analysis service
type LabelsResponse struct {
	Labels []Label `json:"labels"`
}

// SecurityAlert is a label mapped onto a security category
type SecurityAlert struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of analysing one image
type Result struct {
	Labels         []Label         `json:"labels"`
	SecurityAlerts []SecurityAlert `json:"security_alerts"`
}
