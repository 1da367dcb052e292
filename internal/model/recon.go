package model

import "time"

// AnomalyKind classifies a reconciliation finding.
type AnomalyKind string

// Anomaly kinds.
const (
	AnomalyCountMismatch  AnomalyKind = "count_mismatch"
	AnomalyVolumeDrift    AnomalyKind = "volume_drift"
	AnomalyRateDrift      AnomalyKind = "rate_drift"
	AnomalyStaleWatermark AnomalyKind = "stale_watermark"
	AnomalyIdentityOrphan AnomalyKind = "identity_orphan"
)

// AnomalyFlag is one advisory reconciliation finding for a run. Flags never
// fail the run; they surface in run status and the review API.
type AnomalyFlag struct {
	ID        int64       `json:"id" db:"id"`
	RunID     string      `json:"run_id" db:"run_id"`
	Kind      AnomalyKind `json:"kind" db:"kind"`
	Metric    string      `json:"metric,omitempty" db:"metric"`
	Observed  float64     `json:"observed" db:"observed"`
	Expected  float64     `json:"expected" db:"expected"`
	Sigma     float64     `json:"sigma,omitempty" db:"sigma"`
	Detail    string      `json:"detail" db:"detail"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}
