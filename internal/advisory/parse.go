package advisory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"smartarb-advisor/internal/models"
)

// fencedJSON matches one ```json ... ``` block. The tag is case-insensitive.
var fencedJSON = regexp.MustCompile("(?is)```json[ \\t]*\\r?\\n(.*?)```")

var entryValidate = validator.New()

type envelope struct {
	SchemaVersion   string             `json:"schema_version"`
	Recommendations *[]json.RawMessage `json:"recommendations"`
}

type entry struct {
	Category           string                     `json:"category" validate:"required,oneof=risk strategy technical market"`
	Priority           string                     `json:"priority" validate:"required,oneof=low medium high critical"`
	Title              string                     `json:"title" validate:"required,max=200"`
	Description        string                     `json:"description" validate:"required"`
	CodeChanges        []codeChangeEntry          `json:"code_changes" validate:"omitempty,dive"`
	ConfigChanges      map[string]json.RawMessage `json:"config_changes"`
	ImplementationPlan []string                   `json:"implementation_plan"`
	ExpectedImpact     string                     `json:"expected_impact"`
	Risks              []string                   `json:"risks"`
}

type codeChangeEntry struct {
	File           string `json:"file" validate:"required"`
	Function       string `json:"function"`
	ChangeType     string `json:"change_type"`
	CurrentValue   string `json:"current_value"`
	SuggestedValue string `json:"suggested_value"`
	Reason         string `json:"reason"`
}

// EntryError describes one recommendation entry that could not be used.
type EntryError struct {
	Index int
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("recommendation %d: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// ParseResult is the outcome of parsing one advisory response.
type ParseResult struct {
	Recommendations []models.Recommendation
	Dropped         []*EntryError
}

// Parse extracts recommendations from a free-form advisory response. The
// envelope is strict: anything off returns an error and no recommendations.
// Entries are checked one by one and bad ones are reported in Dropped.
func Parse(text string) (*ParseResult, error) {
	blocks := fencedJSON.FindAllStringSubmatch(text, -1)
	switch len(blocks) {
	case 0:
		return nil, errors.New("no fenced json block in response")
	case 1:
	default:
		return nil, fmt.Errorf("expected one fenced json block, found %d", len(blocks))
	}

	var env envelope
	dec := json.NewDecoder(strings.NewReader(blocks[0][1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after envelope")
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %q", env.SchemaVersion)
	}
	if env.Recommendations == nil {
		return nil, errors.New("envelope has no recommendations field")
	}

	result := &ParseResult{Recommendations: make([]models.Recommendation, 0, len(*env.Recommendations))}
	for i, raw := range *env.Recommendations {
		rec, err := parseEntry(raw)
		if err != nil {
			result.Dropped = append(result.Dropped, &EntryError{Index: i, Err: err})
			continue
		}
		result.Recommendations = append(result.Recommendations, rec)
	}
	return result, nil
}

func parseEntry(raw json.RawMessage) (models.Recommendation, error) {
	var e entry
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return models.Recommendation{}, errors.New("null entry")
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Recommendation{}, fmt.Errorf("decoding entry: %w", err)
	}
	if err := entryValidate.Struct(&e); err != nil {
		return models.Recommendation{}, err
	}

	rec := models.Recommendation{
		Category:           models.Category(e.Category),
		Priority:           models.Priority(e.Priority),
		Title:              e.Title,
		Description:        e.Description,
		ImplementationPlan: e.ImplementationPlan,
		ExpectedImpact:     e.ExpectedImpact,
		Risks:              e.Risks,
	}
	for _, cc := range e.CodeChanges {
		rec.CodeChanges = append(rec.CodeChanges, models.CodeChange(cc))
	}
	if len(e.ConfigChanges) > 0 {
		rec.ConfigChanges = make(map[string]json.RawMessage, len(e.ConfigChanges))
		for k, v := range e.ConfigChanges {
			rec.ConfigChanges[k] = compact(v)
		}
	}
	return rec, nil
}

// compact normalises whitespace so equal values store identically.
func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return json.RawMessage(buf.Bytes())
}
