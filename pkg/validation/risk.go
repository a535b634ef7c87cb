package validation

import "github.com/dukex/orion/pkg/models"

const (
	pointsPerAdded        = 5
	pointsPerRemoved      = 10
	pointsPerModified     = 5
	pointsConnections     = 5
	pointsSettings        = 3
	pointsCredentials     = 30
	maxRiskScore          = 100
	mediumRiskThreshold   = 20
	highRiskThreshold     = 50
	criticalRiskThreshold = 80
)

// RiskScore computes the 0-100 risk score of a diff.
func RiskScore(diff models.DiffSummary) int {
	score := pointsPerAdded*len(diff.AddedNodes) +
		pointsPerRemoved*len(diff.RemovedNodes) +
		pointsPerModified*len(diff.ModifiedNodes)

	if diff.ConnectionsChanged {
		score += pointsConnections
	}

	if diff.SettingsChanged {
		score += pointsSettings
	}

	if diff.CredentialsChanged {
		score += pointsCredentials
	}

	for _, change := range diff.SensitiveChanges {
		score += change.RiskContribution
	}

	return clamp(score)
}

// LevelFor buckets a risk score.
func LevelFor(score int) models.RiskLevel {
	switch {
	case score >= criticalRiskThreshold:
		return models.RiskCritical
	case score >= highRiskThreshold:
		return models.RiskHigh
	case score >= mediumRiskThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}

	if score > maxRiskScore {
		return maxRiskScore
	}

	return score
}
