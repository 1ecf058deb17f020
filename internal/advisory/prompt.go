package advisory

import (
	"encoding/json"
	"fmt"
	"strings"

	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/security"
)

// SchemaVersion is the envelope version the parser accepts.
const SchemaVersion = "1"

const systemPromptHeader = `You are a quantitative analyst reviewing a cryptocurrency arbitrage engine.
You receive a JSON performance report and return concrete, conservative recommendations.

Reply with a short summary followed by exactly one fenced block tagged json that holds:

{
  "schema_version": "1",
  "recommendations": [
    {
      "category": "risk|strategy|technical|market",
      "priority": "low|medium|high|critical",
      "title": "short title",
      "description": "what to change and why",
      "code_changes": [
        {"file": "src/...", "function": "", "change_type": "modify", "current_value": "", "suggested_value": "", "reason": ""}
      ],
      "config_changes": {"dotted.key": <json value>},
      "implementation_plan": ["step"],
      "expected_impact": "",
      "risks": ["risk"]
    }
  ]
}

Rules:
- No other fields in the envelope. Omit optional fields instead of sending nulls.
- Critical recommendations must list at least one risk.
- Code changes may only touch files under %s and are never applied automatically.
- config_changes keys must come from this list:
%s
`

// SystemPrompt returns the instructions carrying the response contract.
func SystemPrompt(trustedRoot string) string {
	keys := security.AllowedConfigKeys()
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("  - ")
		b.WriteString(k)
		b.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptHeader, trustedRoot, strings.TrimRight(b.String(), "\n"))
}

// UserPrompt renders the report and optional focus.
func UserPrompt(report *models.Report, focus string) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Report window: %s to %s\n",
		report.Window.From.UTC().Format("2006-01-02 15:04"),
		report.Window.To.UTC().Format("2006-01-02 15:04"))
	if focus = strings.TrimSpace(focus); focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", focus)
	}
	if len(report.IssuesDetected) > 0 {
		b.WriteString("Detected issues:\n")
		for _, issue := range report.IssuesDetected {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	b.WriteString("\nPERFORMANCE REPORT:\n")
	b.Write(data)
	b.WriteByte('\n')
	return b.String(), nil
}
