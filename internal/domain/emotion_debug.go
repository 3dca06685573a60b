package domain

// EmotionDebug exposes intermediate resilience-gating values for telemetry and
// tests, mirroring the activation-threshold math the teacher used for a
// single resilience gate, generalized here to the full emotion pipeline.
type EmotionDebug struct {
	RawDelta            int     `json:"raw_delta"`
	Resilience          float64 `json:"resilience"`
	ActivationThreshold float64 `json:"activation_threshold"`
	EffectiveDelta       int     `json:"effective_delta"`
}
