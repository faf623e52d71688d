// Package enrichment holds the orchestrator that drives provider calls and
// the service facade the workers consume.
package enrichment

import (
	"enrichment-workers/internal/models"
)

// fieldSpec maps one canonical output field to the raw keys providers use
// for it. The canonical name itself is always accepted.
type fieldSpec struct {
	name    string
	aliases []string
}

var canonicalFields = map[models.ProviderType][]fieldSpec{
	models.ProviderTypeEmailFinder: {
		{name: "email", aliases: []string{"email_address", "work_email", "best_email"}},
		{name: "firstName", aliases: []string{"first_name", "fname", "given_name"}},
		{name: "lastName", aliases: []string{"last_name", "lname", "family_name", "surname"}},
		{name: "position", aliases: []string{"title", "job_title", "role"}},
		{name: "verification", aliases: []string{"verification_status", "email_status"}},
	},
	models.ProviderTypeCompanyData: {
		{name: "name", aliases: []string{"company_name", "company", "legal_name"}},
		{name: "domain", aliases: []string{"website", "company_domain"}},
		{name: "industry", aliases: []string{"sector", "vertical"}},
		{name: "size", aliases: []string{"employees", "employee_count", "headcount", "company_size"}},
		{name: "location", aliases: []string{"hq", "headquarters", "hq_location"}},
		{name: "founded", aliases: []string{"founded_year", "year_founded"}},
		{name: "description", aliases: []string{"summary", "about"}},
	},
	models.ProviderTypeSocialProfiles: {
		{name: "linkedin", aliases: []string{"linkedin_url", "linkedin_profile"}},
		{name: "twitter", aliases: []string{"twitter_url", "twitter_handle", "x_url"}},
		{name: "github", aliases: []string{"github_url", "github_username"}},
		{name: "facebook", aliases: []string{"facebook_url"}},
	},
	models.ProviderTypeContactInfo: {
		{name: "phone", aliases: []string{"phone_number", "mobile", "work_phone"}},
		{name: "email", aliases: []string{"email_address"}},
		{name: "address", aliases: []string{"street_address", "full_address"}},
		{name: "city", aliases: nil},
		{name: "country", aliases: []string{"country_code"}},
		{name: "timezone", aliases: []string{"time_zone", "tz"}},
	},
}

func nonEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// Normalize maps provider-shaped data onto the canonical field set for its
// data type. Keys that match no canonical field are preserved under "raw".
// Data types without a canonical schema (technographics, firmographics,
// intent data, news monitoring) pass through untouched.
func Normalize(dataType models.ProviderType, data map[string]interface{}) map[string]interface{} {
	specs, ok := canonicalFields[dataType]
	if !ok || data == nil {
		return data
	}

	out := make(map[string]interface{}, len(specs))
	consumed := make(map[string]bool, len(data))

	for _, spec := range specs {
		if v, present := data[spec.name]; present {
			consumed[spec.name] = true
			if nonEmpty(v) {
				out[spec.name] = v
				continue
			}
		}
		for _, alias := range spec.aliases {
			v, present := data[alias]
			if !present {
				continue
			}
			consumed[alias] = true
			if nonEmpty(v) {
				out[spec.name] = v
				break
			}
		}
	}

	raw := make(map[string]interface{})
	for k, v := range data {
		if !consumed[k] {
			raw[k] = v
		}
	}
	if len(raw) > 0 {
		out["raw"] = raw
	}
	return out
}

// ConfidenceScore rates normalized data: a 0.5 base, up to 0.3 for field
// completeness, plus the provider's reputation bonus, capped at 1.0.
func ConfidenceScore(dataType models.ProviderType, data map[string]interface{}, reputationBonus float64) float64 {
	if len(data) == 0 {
		return 0
	}

	var fraction float64
	if specs, ok := canonicalFields[dataType]; ok {
		filled := 0
		for _, spec := range specs {
			if nonEmpty(data[spec.name]) {
				filled++
			}
		}
		fraction = float64(filled) / float64(len(specs))
	} else {
		filled := 0
		for _, v := range data {
			if nonEmpty(v) {
				filled++
			}
		}
		fraction = float64(filled) / float64(len(data))
	}

	score := 0.5 + 0.3*fraction + reputationBonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}
