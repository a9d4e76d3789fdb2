package audit

import (
	"fmt"
	"strings"

	"github.com/relaymesh/relaymesh/internal/model"
)

// Rules is the compliance policy validated against message metadata.
// Zero-valued checks are skipped, so a partial config only enforces
// what it names.
type Rules struct {
	RetentionDays          int      `yaml:"retention_days" json:"retention_days"`
	RequiredClassification string   `yaml:"required_classification" json:"required_classification"`
	AllowedRegions         []string `yaml:"allowed_regions" json:"allowed_regions"`
}

// Record is the slice of message metadata the compliance checks read.
type Record struct {
	AgeDays        int
	Classification model.Classification
	Region         string
}

// ValidateCompliance returns one violation string per failed rule; an
// empty slice means the record is compliant.
func ValidateCompliance(rec Record, rules Rules) []string {
	var violations []string

	if rules.RetentionDays > 0 && rec.AgeDays > rules.RetentionDays {
		violations = append(violations, fmt.Sprintf(
			"retention exceeded: age %dd > limit %dd", rec.AgeDays, rules.RetentionDays))
	}

	if rules.RequiredClassification != "" {
		required := model.Classification(rules.RequiredClassification)
		if model.ClassRank[rec.Classification] < model.ClassRank[required] {
			violations = append(violations, fmt.Sprintf(
				"classification %q below required %q", rec.Classification, required))
		}
	}

	if len(rules.AllowedRegions) > 0 && !regionAllowed(rec.Region, rules.AllowedRegions) {
		violations = append(violations, fmt.Sprintf(
			"region %q not in allowed regions", rec.Region))
	}

	return violations
}

func regionAllowed(region string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(region, a) {
			return true
		}
	}
	return false
}
