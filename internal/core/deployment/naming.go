package deployment

import "github.com/artpar/shipper/internal/core/domain"

// =============================================================================
// Instance Labels
// =============================================================================

// Label keys attached to every instance started by shipper.
const (
	LabelManaged = "com.shipper.managed"
	LabelService = "com.shipper.service"
	LabelBuild   = "com.shipper.build"
	LabelImage   = "com.shipper.image"
	LabelRun     = "com.shipper.run"
)

// InstanceLabels returns the labels for a new instance. The build id label
// ties the running container back to the immutable build for audit.
//
// Example:
//
//	InstanceLabels(ref, "app", "run_1a2b3c4d")
//	// {"com.shipper.managed": "true", "com.shipper.service": "app", ...}
func InstanceLabels(ref domain.ArtifactReference, serviceName, runID string) map[string]string {
	labels := map[string]string{
		LabelManaged: "true",
		LabelService: serviceName,
		LabelBuild:   ref.BuildID,
		LabelImage:   ref.FloatingRef(),
	}
	if runID != "" {
		labels[LabelRun] = runID
	}
	return labels
}
