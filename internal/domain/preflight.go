package domain

import "time"

// PreflightCheck is one named readiness check result.
type PreflightCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// PreflightReport aggregates readiness checks gating worker start.
type PreflightReport struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	OK          bool             `json:"ok"`
	Checks      []PreflightCheck `json:"checks"`
}
