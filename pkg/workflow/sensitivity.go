package workflow

import (
	"strings"

	"github.com/dukex/orion/pkg/models"
)

var sensitiveTypes = map[string]models.SensitiveCategory{
	"webhook":     models.CategoryWebhook,
	"formtrigger": models.CategoryWebhook,

	"httprequest": models.CategoryHTTPRequest,
	"graphql":     models.CategoryHTTPRequest,

	"postgres":     models.CategoryDatabase,
	"mysql":        models.CategoryDatabase,
	"mongodb":      models.CategoryDatabase,
	"redis":        models.CategoryDatabase,
	"microsoftsql": models.CategoryDatabase,
	"supabase":     models.CategoryDatabase,

	"slack":        models.CategoryExternalAPI,
	"twilio":       models.CategoryExternalAPI,
	"sendgrid":     models.CategoryExternalAPI,
	"stripe":       models.CategoryExternalAPI,
	"hubspot":      models.CategoryExternalAPI,
	"googlesheets": models.CategoryExternalAPI,
	"gmail":        models.CategoryExternalAPI,
	"openai":       models.CategoryExternalAPI,
	"airtable":     models.CategoryExternalAPI,
	"telegram":     models.CategoryExternalAPI,
}

// TypeSuffix returns the lower-cased node type without its package prefix,
// so "n8n-nodes-base.httpRequest" becomes "httprequest".
func TypeSuffix(nodeType string) string {
	if idx := strings.LastIndex(nodeType, "."); idx >= 0 {
		nodeType = nodeType[idx+1:]
	}

	return strings.ToLower(strings.TrimSpace(nodeType))
}

// SensitivityOf returns the sensitive category of a node type, if any.
func SensitivityOf(nodeType string) (models.SensitiveCategory, bool) {
	category, ok := sensitiveTypes[TypeSuffix(nodeType)]

	return category, ok
}
