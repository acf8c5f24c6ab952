package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"foreman/pkg/models"
)

// Engine resolves {{var}} placeholders against a run context and extracts
// structured data (KEY: value lines, STORIES_JSON blocks) from agent output.
// Context keys are stored lowercased; lookups fold case once, here.
type Engine struct {
	maxStories int
}

// DefaultMaxStories bounds a single STORIES_JSON block unless configured.
const DefaultMaxStories = 20

func NewEngine(maxStories int) *Engine {
	if maxStories <= 0 {
		maxStories = DefaultMaxStories
	}
	return &Engine{maxStories: maxStories}
}

var (
	placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)
	contextLineRegex = regexp.MustCompile(`^([A-Z_]+):\s*(.+)$`)
	markerLineRegex  = regexp.MustCompile(`^[A-Z_]+:\s`)
)

const storiesMarker = "STORIES_JSON:"

// Resolve replaces every {{name}} (or {{a.b.c}}) with ctx[name], folding the
// key to lower case. Missing keys render as "[missing: <name>]"; resolution
// never fails. Dot-qualified names are looked up as whole strings, not by
// nested descent.
func (e *Engine) Resolve(template string, ctx models.JSONMap) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRegex.FindStringSubmatch(match)[1]
		if value, ok := ctx[strings.ToLower(name)]; ok {
			return value
		}
		return fmt.Sprintf("[missing: %s]", name)
	})
}

// MergeContext folds KEY: value lines from agent output into a copy of ctx.
// Keys are lowercased; STORIES_JSON is handled by ParseStoriesJSON and is
// skipped here. The input map is never mutated.
func (e *Engine) MergeContext(output string, ctx models.JSONMap) models.JSONMap {
	merged := ctx.Clone()
	for _, line := range strings.Split(output, "\n") {
		m := contextLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[1]
		if key == "STORIES_JSON" {
			continue
		}
		merged[strings.ToLower(key)] = strings.TrimSpace(m[2])
	}
	return merged
}

// ParsedStory is one element of a STORIES_JSON block. Description and the
// criteria are pointers so an absent field is distinguishable from an
// empty one; every field must be present, empty values are accepted.
type ParsedStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        *string  `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`

	// Some planners emit snake_case; both spellings are accepted.
	AcceptanceCriteriaSnake []string `json:"acceptance_criteria"`
}

// Criteria returns the acceptance criteria under either spelling.
func (s ParsedStory) Criteria() []string {
	if len(s.AcceptanceCriteria) > 0 {
		return s.AcceptanceCriteria
	}
	return s.AcceptanceCriteriaSnake
}

// ParseStoriesJSON extracts the STORIES_JSON document from agent output.
// The document starts after the marker and extends across subsequent lines
// until a line that looks like another KEY: marker. Returns nil when the
// output carries no marker.
func (e *Engine) ParseStoriesJSON(output string) ([]ParsedStory, error) {
	lines := strings.Split(output, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, storiesMarker) {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, nil
	}

	var doc strings.Builder
	doc.WriteString(strings.TrimPrefix(lines[start], storiesMarker))
	for _, line := range lines[start+1:] {
		if markerLineRegex.MatchString(line) {
			break
		}
		doc.WriteString("\n")
		doc.WriteString(line)
	}

	var stories []ParsedStory
	if err := json.Unmarshal([]byte(strings.TrimSpace(doc.String())), &stories); err != nil {
		return nil, fmt.Errorf("invalid STORIES_JSON document: %w", err)
	}

	if len(stories) > e.maxStories {
		return nil, fmt.Errorf("STORIES_JSON carries %d stories, limit is %d", len(stories), e.maxStories)
	}

	seen := make(map[string]bool, len(stories))
	for i, story := range stories {
		if story.ID == "" {
			return nil, fmt.Errorf("story %d is missing an id", i)
		}
		if story.Title == "" {
			return nil, fmt.Errorf("story %q is missing a title", story.ID)
		}
		if story.Description == nil {
			return nil, fmt.Errorf("story %q is missing a description", story.ID)
		}
		if story.AcceptanceCriteria == nil && story.AcceptanceCriteriaSnake == nil {
			return nil, fmt.Errorf("story %q is missing acceptance criteria", story.ID)
		}
		if seen[story.ID] {
			return nil, fmt.Errorf("duplicate story id %q", story.ID)
		}
		seen[story.ID] = true
	}

	return stories, nil
}

// FormatStory renders a story for inclusion in a loop step's agent input.
func FormatStory(story *models.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s", story.StoryID, story.Title)
	if story.Description != nil && *story.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(*story.Description)
	}
	if story.AcceptanceCriteria != nil && *story.AcceptanceCriteria != "" {
		b.WriteString("\n\nAcceptance Criteria:\n")
		n := 0
		for _, item := range strings.Split(*story.AcceptanceCriteria, "\n") {
			item = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(item), "- "))
			if item == "" {
				continue
			}
			n++
			fmt.Fprintf(&b, "  %d. %s\n", n, item)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// JoinCriteria renders parsed criteria into the stored newline-joined form.
func JoinCriteria(criteria []string) string {
	var b strings.Builder
	for i, item := range criteria {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

// SafeJSONParse parses JSON-in-string fields; on failure it returns the raw
// string under the "raw" key instead of raising.
func SafeJSONParse(raw string) map[string]interface{} {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return parsed
}
