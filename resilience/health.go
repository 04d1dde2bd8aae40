package resilience

// HealthStatus is the health of one downstream dependency as seen by its breaker.
type HealthStatus struct {
	// Name is the policy or breaker name.
	Name string `json:"name,omitempty"`

	// Healthy is false only while the breaker is open.
	Healthy bool `json:"healthy"`

	// Status is "closed", "half-open", "open", or "disabled" when no breaker is configured.
	Status string `json:"status"`

	State string `json:"state"`

	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}
