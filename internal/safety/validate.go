package safety

import (
	"fmt"
	"regexp"
)

// Issue is one problem found while validating an update payload.
type Issue struct {
	Field    string `json:"field"`
	Problem  string `json:"problem"`
	Severity string `json:"severity"` // "warning" or "error"
}

// Validation is the outcome of a payload validation. Valid is false only
// when at least one error-severity issue was found; warnings alone do not
// block an update.
type Validation struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Limits published by the external API.
const (
	maxBioLength         = 160
	maxCompanyLength     = 100
	maxDescriptionLength = 2000
	maxTopics            = 20
)

var (
	urlPattern   = regexp.MustCompile(`^https?://[^\s]+$`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// ValidateProfileUpdate checks a profile field update against the external
// API's documented limits.
func ValidateProfileUpdate(fields map[string]string) Validation {
	var issues []Issue

	if bio, ok := fields["bio"]; ok && len(bio) > maxBioLength {
		issues = append(issues, Issue{
			Field:    "bio",
			Problem:  fmt.Sprintf("bio exceeds %d characters", maxBioLength),
			Severity: "warning",
		})
	}
	if blog, ok := fields["blog"]; ok && blog != "" && !urlPattern.MatchString(blog) {
		issues = append(issues, Issue{
			Field:    "blog",
			Problem:  "blog URL format is invalid",
			Severity: "error",
		})
	}
	if email, ok := fields["email"]; ok && email != "" && !emailPattern.MatchString(email) {
		issues = append(issues, Issue{
			Field:    "email",
			Problem:  "email format is invalid",
			Severity: "error",
		})
	}
	if company, ok := fields["company"]; ok && len(company) > maxCompanyLength {
		issues = append(issues, Issue{
			Field:    "company",
			Problem:  fmt.Sprintf("company name exceeds %d characters", maxCompanyLength),
			Severity: "warning",
		})
	}

	return summarize(issues)
}

// RepositoryChange is a proposed repository metadata update.
type RepositoryChange struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
}

// ValidateRepositoryChanges checks proposed repository updates.
func ValidateRepositoryChanges(changes []RepositoryChange) Validation {
	var issues []Issue

	for _, change := range changes {
		if len(change.Description) > maxDescriptionLength {
			issues = append(issues, Issue{
				Field:    change.Name + ".description",
				Problem:  fmt.Sprintf("description exceeds %d characters", maxDescriptionLength),
				Severity: "warning",
			})
		}
		if len(change.Topics) > maxTopics {
			issues = append(issues, Issue{
				Field:    change.Name + ".topics",
				Problem:  fmt.Sprintf("too many topics (maximum %d allowed)", maxTopics),
				Severity: "error",
			})
		}
	}

	return summarize(issues)
}

func summarize(issues []Issue) Validation {
	valid := true
	for _, issue := range issues {
		if issue.Severity == "error" {
			valid = false
			break
		}
	}
	return Validation{Valid: valid, Issues: issues}
}
