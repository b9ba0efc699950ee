package rerank

import "regexp"

// QueryType is the coarse, English-specific query classification used to
// pick a type-specific reranking instruction. The classifier is
// intentionally simple keyword/pattern matching — it fixes current
// behavior rather than attempting a more general solution.
type QueryType string

const (
	Temporal         QueryType = "temporal"
	KnowledgeUpdate  QueryType = "knowledge-update"
	MultiHop         QueryType = "multi-hop"
	Preference       QueryType = "preference"
	AssistantRecall  QueryType = "assistant-recall"
	Factual          QueryType = "factual"
	General          QueryType = "general"
)

// classifierPatterns are evaluated in order; the first match wins. The
// regex set itself is the contract and must not be paraphrased.
var classifierPatterns = []struct {
	typ QueryType
	re  *regexp.Regexp
}{
	{Temporal, regexp.MustCompile(`(?i)\b(when|what (date|time|day|month|year)|how long ago|how recently|last time|first time|before|after)\b`)},
	{KnowledgeUpdate, regexp.MustCompile(`(?i)\b(change|update|move|switch|new|current|now|still|anymore|used to|latest)\b`)},
	{MultiHop, regexp.MustCompile(`(?i)(\bwhat .+ (of|for) .+ (the|my|a) .+\b|\b\w+'s \w+'s\b)`)},
	{Preference, regexp.MustCompile(`(?i)\b(favorite|prefer|like|enjoy|love|hate|dislike|opinion)\b`)},
	{AssistantRecall, regexp.MustCompile(`(?i)\b(you (said|told|recommended|suggested|mentioned)|did you|your (advice|recommendation|suggestion))\b`)},
	{Factual, regexp.MustCompile(`(?i)\b(who|what|where|which|name|tell me about)\b`)},
}

// Classify returns the query's type, falling back to General when no
// pattern matches.
func Classify(query string) QueryType {
	for _, p := range classifierPatterns {
		if p.re.MatchString(query) {
			return p.typ
		}
	}
	return General
}

// instruction returns the type-specific reranking instruction injected
// into the prompt built by BuildPrompt.
func instruction(t QueryType) string {
	switch t {
	case Temporal:
		return "Prioritize candidates that most precisely answer the timing of the event asked about."
	case KnowledgeUpdate:
		return "Prioritize the most recent candidate when candidates describe conflicting or superseding facts."
	case MultiHop:
		return "Prioritize candidates that connect multiple entities or facts needed to answer the question."
	case Preference:
		return "Prioritize candidates that state an explicit preference, opinion, or like/dislike."
	case AssistantRecall:
		return "Prioritize candidates describing what the assistant itself previously said or recommended."
	case Factual:
		return "Prioritize candidates that directly state the fact being asked about."
	default:
		return "Prioritize candidates most directly relevant to the query."
	}
}
