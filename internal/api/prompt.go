package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxPromptLength is the longest accepted prompt, in characters.
const DefaultMaxPromptLength = 2000

// promptField names the JSON member holding the prompt and the word used for
// it in error messages.
type promptField struct {
	key   string
	label string
}

var (
	queryField  = promptField{key: "query", label: "Query"}
	promptInput = promptField{key: "prompt", label: "Prompt"}
)

// extractPrompt returns the NFC-normalised prompt or the client-facing
// validation failure. Length is counted in characters after normalisation.
func extractPrompt(fields map[string]json.RawMessage, field promptField, maxLength int) (string, *requestError) {
	raw, ok := fields[field.key]
	if !ok {
		return "", badRequest(field.label + " must be a non-empty string")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", badRequest(field.label + " must be a non-empty string")
	}
	if strings.TrimSpace(text) == "" {
		return "", badRequest(field.label + " must be a non-empty string")
	}
	text = norm.NFC.String(text)
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return "", badRequest(fmt.Sprintf("%s must be under %d characters", field.label, maxLength))
	}
	return text, nil
}
