package llm

import "fmt"

// TranslationSystemPrompt keeps the model to a bare translation of live
// speech recognition output.
const TranslationSystemPrompt = `You translate live speech transcripts.

RULES:
- Output only the translation, no quotes, notes or explanations
- Keep the speaker's register and punctuation
- The input may be an unfinished sentence; translate what is there without completing it
- Keep names, numbers and units unchanged`

// translationUserPrompt builds the user turn for one segment.
func translationUserPrompt(req Request) string {
	source := req.SourceLang
	if source == "" {
		source = "the source language"
	}
	return fmt.Sprintf("Translate from %s to %s:\n\n%s", source, req.TargetLang, req.Text)
}
