package generator

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dmitrymomot/resumekit/svc/plans"
)

const maxFieldLength = 20000

type prompt struct {
	system   string
	required []string
	user     func(Input) string
}

// FieldError reports an unusable input field. It matches ErrInvalidInput.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidInput, e.Field, e.Message)
}

func (e *FieldError) Is(target error) bool { return target == ErrInvalidInput }

// Validate checks in against the fields feature needs, without calling the
// model. Callers run it before spending credits.
func Validate(feature plans.Feature, in Input) error {
	p, ok := prompts[feature]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, feature)
	}
	return p.validate(in)
}

func (p prompt) validate(in Input) error {
	fields := in.fields()
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if utf8.RuneCountInString(fields[name]) > maxFieldLength {
			return &FieldError{Field: name, Message: fmt.Sprintf("exceeds %d characters", maxFieldLength)}
		}
	}
	for _, name := range p.required {
		if strings.TrimSpace(fields[name]) == "" {
			return &FieldError{Field: name, Message: "is required"}
		}
	}
	return nil
}

func (in Input) fields() map[string]string {
	return map[string]string{
		"profile":        in.Profile,
		"resume":         in.Resume,
		"jobDescription": in.JobDescription,
		"role":           in.Role,
		"location":       in.Location,
		"notes":          in.Notes,
	}
}

// RequiredFields lists the input fields feature needs.
func RequiredFields(feature plans.Feature) []string {
	return prompts[feature].required
}

func section(title, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "## " + title + "\n" + body + "\n\n"
}

var prompts = map[plans.Feature]prompt{
	plans.FeatureResumeGeneration: {
		system:   "You are an experienced technical recruiter. Write concise, ATS-friendly resumes in Markdown. Never invent employers, dates or degrees.",
		required: []string{"profile"},
		user: func(in Input) string {
			return "Write a one-page resume from the candidate profile below.\n\n" +
				section("Candidate profile", in.Profile) +
				section("Target job", in.JobDescription) +
				section("Notes", in.Notes)
		},
	},
	plans.FeatureCoverLetter: {
		system:   "You write warm, specific cover letters under 350 words in Markdown. Reference the job description concretely.",
		required: []string{"resume", "jobDescription"},
		user: func(in Input) string {
			return "Write a cover letter for this application.\n\n" +
				section("Resume", in.Resume) +
				section("Job description", in.JobDescription) +
				section("Notes", in.Notes)
		},
	},
	plans.FeatureLinkedInOptimization: {
		system:   "You optimise LinkedIn profiles. Return a headline, an About section and five experience bullet rewrites in Markdown.",
		required: []string{"profile"},
		user: func(in Input) string {
			return "Optimise this LinkedIn profile.\n\n" +
				section("Current profile", in.Profile) +
				section("Target role", in.Role) +
				section("Notes", in.Notes)
		},
	},
	plans.FeatureSalaryAnalysis: {
		system:   "You are a compensation analyst. Give a salary range with low, median and high figures, the currency, and the main factors. State uncertainty plainly.",
		required: []string{"role"},
		user: func(in Input) string {
			return "Estimate the market salary for this position.\n\n" +
				section("Role", in.Role) +
				section("Location", in.Location) +
				section("Candidate resume", in.Resume) +
				section("Notes", in.Notes)
		},
	},
	plans.FeatureAISuggestions: {
		system:   "You review resumes. Return at most ten short, actionable suggestions as a Markdown list.",
		required: []string{"resume"},
		user: func(in Input) string {
			return "Suggest improvements to this resume.\n\n" +
				section("Resume", in.Resume) +
				section("Target job", in.JobDescription)
		},
	},
}
