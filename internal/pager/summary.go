package pager

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
)

// SummaryKey is the KV slot the hourly summarizer writes.
const SummaryKey = "incident_summary"

// Summary is a rollup of the last 24h of incident activity, grouped by
// fingerprint via the dedup counters.
type Summary struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Window      string            `json:"window"`
	Total       int               `json:"total"`
	Occurrences int               `json:"occurrences"`
	BySeverity  map[string]int    `json:"by_severity"`
	Incidents   []models.Incident `json:"incidents"`
}

// Summarize rolls up the last 24h of incidents into KV. Wired as the
// hourly incident_summary task body.
func (p *Pager) Summarize(kv *kvstore.Store) (Summary, error) {
	incidents, err := p.Recent(24*time.Hour, 500)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		GeneratedAt: p.now().UTC(),
		Window:      "24h",
		Total:       len(incidents),
		BySeverity:  map[string]int{},
		Incidents:   incidents,
	}
	for _, inc := range incidents {
		sum.BySeverity[string(inc.Severity)]++
		sum.Occurrences += inc.Count
	}
	if err := kv.PutJSON(SummaryKey, sum, 0); err != nil {
		return Summary{}, err
	}
	log.Info().Int("incidents", sum.Total).Int("occurrences", sum.Occurrences).Msg("Pager: incident summary written")
	return sum, nil
}
