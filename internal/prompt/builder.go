// Package prompt deterministically turns fetched content and a schema into
// a model request. Identical inputs always produce byte-identical prompts,
// which is what makes traces reproducible and tests exact.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/company-detail/internal/model"
	"github.com/sells-group/company-detail/internal/schema"
)

// SystemText is the system prompt sent with every extraction call.
const SystemText = "You are a research analyst extracting structured company data from a web page. " +
	"Return a single valid JSON object matching the requested schema exactly. " +
	"Use null for fields not present on the page. Do not invent values."

const extractionTemplate = `Extract the company profile from the page below.

Company: %s
Page URL: %s

Output JSON schema (field, type, rules):
%s
Return exactly one JSON object with only the keys listed above.

Page content:
%s`

const repairHeader = `

The previous attempt failed validation. Correct only the defects listed
below; keep every field that was already valid unchanged.

Validation failures:
`

// maxContentChars caps page content in the prompt. Content beyond the cap
// is cut at the last newline before the limit so sections stay whole.
const maxContentChars = 24000

// BuildError signals caller misconfiguration: empty content or a schema
// with no declared fields. Never transient.
type BuildError struct {
	Reason string
}

func (e *BuildError) Error() string {
	return "prompt: " + e.Reason
}

// AsBuildError extracts a BuildError from an error chain.
func AsBuildError(err error) (*BuildError, bool) {
	var be *BuildError
	ok := errors.As(err, &be)
	return be, ok
}

// Prompt is a fully rendered model request body.
type Prompt struct {
	System string
	User   string
}

// Build renders the extraction prompt. When priorErrors is non-empty, a
// repair section enumerating each failed field and its reason is appended,
// steering the model toward correcting specific defects rather than
// regenerating blindly.
func Build(req model.ExtractionRequest, content *model.RawContent, s *schema.Schema, priorErrors []model.FieldError) (*Prompt, error) {
	if content == nil || strings.TrimSpace(content.Text) == "" {
		return nil, &BuildError{Reason: "content text is empty"}
	}
	if s == nil || len(s.Fields) == 0 {
		return nil, &BuildError{Reason: "schema has no declared fields"}
	}

	name := req.CompanyName
	if name == "" {
		name = req.CompanyID
	}

	user := fmt.Sprintf(extractionTemplate,
		name,
		content.SourceURL,
		s.PromptSpec(),
		truncate(content.Text, maxContentChars),
	)

	if len(priorErrors) > 0 {
		var b strings.Builder
		b.WriteString(repairHeader)
		for _, fe := range priorErrors {
			b.WriteString("- ")
			b.WriteString(fe.Field)
			b.WriteString(": ")
			b.WriteString(fe.Reason)
			b.WriteString("\n")
		}
		user += b.String()
	}

	return &Prompt{System: SystemText, User: user}, nil
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexByte(cut, '\n'); i > limit/2 {
		cut = cut[:i]
	}
	return cut
}
