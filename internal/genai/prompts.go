package genai

import (
	"fmt"
	"strings"
)

const extractionSystemPrompt = `You read photographed or scanned school worksheets.
Extract every word the worksheet teaches. Return ONLY JSON matching:
{
  "vocabulary": [{"word": "...", "definition": "...", "context": "..."}],
  "spelling": ["..."]
}
Put words that carry a printed definition or example sentence under "vocabulary"
(include the definition and the sentence when present). Put bare word-list
entries under "spelling". Do not invent words that are not on the sheet.`

const generationSystemPrompt = `You write test questions for school children.
Return ONLY JSON matching:
{
  "questions": [
    {"question": "...", "type": "...", "answer": "...", "options": ["..."], "order": 1}
  ]
}
Questions must be answerable from the supplied word list alone.`

// extractionUserPrompt builds the text half of the extraction message.
func extractionUserPrompt(testKind string) string {
	var b strings.Builder
	b.WriteString("Extract the word list from the attached worksheet.\n")
	fmt.Fprintf(&b, "The teacher wants to build a %s test from it.\n", testKind)
	b.WriteString("Remember: JSON only, no commentary.")
	return b.String()
}

// generationUserPrompt builds the prompt for one test variant.
func generationUserPrompt(req *GenerationRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Create variant %s of a %s test", req.VariantLabel, req.TestKind)
	if req.GradeLevel > 0 {
		fmt.Fprintf(&b, " for grade %d", req.GradeLevel)
	}
	b.WriteString(".\n\nWords:\n")
	for _, w := range req.Words {
		fmt.Fprintf(&b, "- %s", w.Text)
		if w.Definition != "" {
			fmt.Fprintf(&b, " — definition: %s", w.Definition)
		}
		if w.Context != "" {
			fmt.Fprintf(&b, " — example: %s", w.Context)
		}
		b.WriteString("\n")
	}

	switch req.TestKind {
	case "spelling":
		b.WriteString(`
Write exactly one multiple-choice question per word, type "spelling".
Each question asks which spelling is correct; the options are the correct
spelling plus three plausible misspellings, and "answer" is the correct
spelling.`)
	default:
		b.WriteString(`
Write exactly two questions per word:
1. type "sentence_completion": a sentence using the word with the word blanked
   out; "answer" is the word.
2. type "definition_match": a multiple-choice question matching the word to
   its definition; "answer" is the word.`)
	}

	fmt.Fprintf(&b, "\nVariant %s must order words differently from other variants.", req.VariantLabel)
	b.WriteString("\nNumber questions with \"order\" starting at 0. JSON only.")
	return b.String()
}
