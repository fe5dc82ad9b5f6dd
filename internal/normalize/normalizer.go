// Package normalize transforms upstream forge resources into canonical
// entities with deterministic derived scores.
//
// The normalizer is pure: the same input and reference time always yield
// the same output. It performs no I/O and reads no clocks of its own.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/forgesync/forgesync/internal/models"
)

// Markers recognized in labels and titles
const (
	markerSecurity = "security"
	markerDocs     = "documentation"
)

// criticalMarkers force severity=critical when present
var criticalMarkers = []string{"critical", "blocker"}

// severityKeywords maps keyword tiers; first matching tier wins.
// Checked after the critical markers.
var severityKeywords = map[string][]string{
	models.SeverityHigh:   {"urgent", "major", "regression", "outage", "crash"},
	models.SeverityMedium: {"bug", "defect", "error"},
	models.SeverityLow:    {"minor", "cleanup", "chore", "typo", "polish"},
}

// slaHours is the response-time table keyed by severity
var slaHours = map[string]int{
	models.SeverityCritical: 4,
	models.SeverityHigh:     24,
	models.SeverityMedium:   72,
	models.SeverityLow:      168,
}

// Priority score weights
const (
	priorityBase         = 50
	priorityCritical     = 40
	priorityHigh         = 30
	priorityMedium       = 20
	priorityLow          = 10
	priorityBlocker      = 30
	priorityAgeCap       = 20
	prioritySecurity     = 25
	priorityDocsDiscount = 15
)

// Health score weights
const (
	healthBase         = 50
	healthRecentWindow = 30 * 24 * time.Hour
	healthRecent       = 20
	healthFewIssues    = 10
	healthPopular      = 10
	healthContributors = 10
	healthCI           = 10
	healthTests        = 10
)

// ToCanonical maps one upstream resource of the given kind to its canonical
// entity. now is the reference time for age-dependent scores.
func ToCanonical(kind models.ResourceKind, res *models.UpstreamResource, now time.Time) (*models.CanonicalEntity, error) {
	if res == nil {
		return nil, fmt.Errorf("resource is nil")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}
	if res.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "missing resource id"}
	}
	if res.Name == "" && res.Title == "" {
		return nil, &ValidationError{Field: "name", Reason: "resource has neither name nor title"}
	}

	severity := classifySeverity(res)

	entity := &models.CanonicalEntity{
		ExternalID:    externalID(kind, res.ID),
		Kind:          kind,
		Name:          displayName(res),
		Status:        mapStatus(res),
		Severity:      severity,
		SLAHours:      slaHours[severity],
		PriorityScore: priorityScore(res, severity, now),
		HealthScore:   healthScore(res, now),
		UpdatedAt:     res.UpdatedAt,
		Attributes: map[string]any{
			"state":    res.State,
			"labels":   res.Labels,
			"archived": res.Archived,
		},
	}

	return entity, nil
}

// ValidationError marks a resource that cannot be normalized. The sync
// orchestrator records it against the run and continues with other items.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns the error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// externalID builds the store key, unique per source resource
func externalID(kind models.ResourceKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

func displayName(res *models.UpstreamResource) string {
	if res.Name != "" {
		return res.Name
	}
	return res.Title
}

// mapStatus projects the upstream lifecycle onto canonical status
func mapStatus(res *models.UpstreamResource) string {
	if res.Archived {
		return models.StatusShipped
	}
	return models.StatusActive
}

// classifySeverity assigns a severity tier from labels and title keywords.
// Critical/blocker markers win outright; otherwise the tiered keyword table
// applies, defaulting to medium.
func classifySeverity(res *models.UpstreamResource) string {
	if hasAnyMarker(res, criticalMarkers) {
		return models.SeverityCritical
	}

	for _, tier := range []string{models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		if hasAnyMarker(res, severityKeywords[tier]) {
			return tier
		}
	}

	return models.SeverityMedium
}

func hasAnyMarker(res *models.UpstreamResource, markers []string) bool {
	title := strings.ToLower(res.Title)
	for _, m := range markers {
		for _, label := range res.Labels {
			if strings.EqualFold(label, m) {
				return true
			}
		}
		if m != "" && strings.Contains(title, m) {
			return true
		}
	}
	return false
}

func hasMarker(res *models.UpstreamResource, marker string) bool {
	return hasAnyMarker(res, []string{marker})
}

// priorityScore computes the 0-100 priority score:
// base 50, severity bonus, +30 for blockers, +1 per week of age capped at
// +20, +25 for a security marker, -15 for a documentation marker.
func priorityScore(res *models.UpstreamResource, severity string, now time.Time) int {
	score := priorityBase

	switch severity {
	case models.SeverityCritical:
		score += priorityCritical
	case models.SeverityHigh:
		score += priorityHigh
	case models.SeverityMedium:
		score += priorityMedium
	case models.SeverityLow:
		score += priorityLow
	}

	if res.Blocking {
		score += priorityBlocker
	}

	if !res.CreatedAt.IsZero() && now.After(res.CreatedAt) {
		weeks := int(now.Sub(res.CreatedAt).Hours() / (7 * 24))
		if weeks > priorityAgeCap {
			weeks = priorityAgeCap
		}
		score += weeks
	}

	if hasMarker(res, markerSecurity) {
		score += prioritySecurity
	}
	if hasMarker(res, markerDocs) {
		score -= priorityDocsDiscount
	}

	return clamp(score)
}

// healthScore computes the 0-100 health score from activity recency,
// open-issue count, popularity, contributor count, and CI/test presence.
func healthScore(res *models.UpstreamResource, now time.Time) int {
	score := healthBase

	activity := res.PushedAt
	if activity.IsZero() {
		activity = res.UpdatedAt
	}
	if !activity.IsZero() && now.Sub(activity) <= healthRecentWindow {
		score += healthRecent
	}

	if res.OpenIssues < 5 {
		score += healthFewIssues
	}
	if res.Stars > 100 {
		score += healthPopular
	}
	if res.Contributors > 10 {
		score += healthContributors
	}
	if res.HasCI {
		score += healthCI
	}
	if res.HasTests {
		score += healthTests
	}

	return clamp(score)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
