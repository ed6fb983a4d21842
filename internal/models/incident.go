package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Severity grades incidents; only critical incidents page.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is a deduplicated alert. Repeated occurrences of the same
// fingerprint within the dedup TTL fold into one record.
type Incident struct {
	Severity    Severity  `json:"severity"`
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	Source      string    `json:"source"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Count       int       `json:"count"`
}

// IncidentFingerprint derives the 12-hex content hash that identifies an
// incident class: sha256(severity + source + first 50 bytes of message).
func IncidentFingerprint(severity Severity, source, msg string) string {
	if len(msg) > 50 {
		msg = msg[:50]
	}
	sum := sha256.Sum256([]byte(string(severity) + source + msg))
	return hex.EncodeToString(sum[:])[:12]
}
