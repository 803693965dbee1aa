package pipeline

import (
	"regexp"
	"strings"

	"github.com/calperry/sheetmill/internal/store"
)

// MatchTier records which linking heuristic resolved a question to a word.
// Lower tiers are stronger evidence.
type MatchTier int

const (
	// TierAnswer: the question's correct answer equals a word's text.
	TierAnswer MatchTier = iota + 1
	// TierQuoted: a quoted token in the question text equals a word's text.
	TierQuoted
	// TierRoundRobin: positional assignment from the question's index.
	TierRoundRobin
	// TierFirst: no signal at all; the first word in the list.
	TierFirst
)

// Match is the result of resolving one question against a word list.
type Match struct {
	Word store.Word
	Tier MatchTier
}

// quotedToken pulls the first single- or double-quoted token out of question
// text, e.g. `the word 'ephemeral'` or `spell "necessary"`.
var quotedToken = regexp.MustCompile(`['"]([^'"]+)['"]`)

// ResolveWord maps a generated question back to the word it was built from.
// Total for non-empty word lists: some tier always matches, by construction.
// The round-robin tier keeps a word's question pair aligned to that word when
// the service's answers don't echo the word text (questionsPerWord is the
// per-word question count the generation prompt asked for).
//
// Callers deciding whether to persist the reference should look at the tier:
// positional fallbacks (TierRoundRobin, TierFirst) are guesses, acceptable
// for vocabulary tests but not worth recording for spelling tests.
func ResolveWord(answer, questionText string, words []store.Word, questionIndex, questionsPerWord int) (Match, bool) {
	if len(words) == 0 {
		return Match{}, false
	}

	if w, ok := findByText(words, answer); ok {
		return Match{Word: w, Tier: TierAnswer}, true
	}

	if m := quotedToken.FindStringSubmatch(questionText); m != nil {
		if w, ok := findByText(words, m[1]); ok {
			return Match{Word: w, Tier: TierQuoted}, true
		}
	}

	if questionsPerWord > 0 && questionIndex >= 0 {
		idx := (questionIndex / questionsPerWord) % len(words)
		return Match{Word: words[idx], Tier: TierRoundRobin}, true
	}

	return Match{Word: words[0], Tier: TierFirst}, true
}

func findByText(words []store.Word, text string) (store.Word, bool) {
	needle := strings.TrimSpace(strings.ToLower(text))
	if needle == "" {
		return store.Word{}, false
	}
	for _, w := range words {
		if strings.ToLower(strings.TrimSpace(w.Text)) == needle {
			return w, true
		}
	}
	return store.Word{}, false
}
