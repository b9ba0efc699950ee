// Package rerank implements the reranker driver: query-type
// classification, prompt assembly, JSON-array score parsing with bounded
// retry, and graceful fallback to the hybrid ordering on terminal
// failure.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Tangerg/lynx/recall/llm"
	"github.com/Tangerg/lynx/recall/search"
)

const (
	maxRetries       = 3
	contentTruncate  = 1000
	scoreScaleDivisor = 10.0
)

// backoff and sleep are indirected so tests can avoid real waits.
var (
	backoff = func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
	sleep   = time.Sleep
)

// Result is a search.Result with an optional reranker score attached.
type Result struct {
	search.Result
	RerankScore float64
	Reranked    bool
}

type scorePair struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank reorders candidates using gen when len(candidates) > k. On
// parse or transport failure, it retries up to maxRetries times with
// linear backoff; on terminal failure it returns the top-k of the input
// order unchanged, never an error — reranker failure degrades gracefully
// rather than failing the search.
func Rerank(ctx context.Context, gen llm.Generator, model, query string, candidates []search.Result, k int) []Result {
	if len(candidates) <= k {
		return wrap(candidates)
	}

	queryType := Classify(query)
	prompt := buildPrompt(query, queryType, candidates)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		scores, err := callAndParse(ctx, gen, model, prompt)
		if err == nil {
			return applyScores(candidates, scores, k)
		}
		lastErr = err
		if attempt < maxRetries {
			sleep(backoff(attempt))
		}
	}

	_ = lastErr // terminal failure is swallowed per the degrade-to-hybrid contract
	return topK(wrap(candidates), k)
}

func callAndParse(ctx context.Context, gen llm.Generator, model, prompt string) (map[int]float64, error) {
	output, err := gen.Generate(ctx, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("rerank: generate: %w", err)
	}
	block, ok := firstBracketBlock(output)
	if !ok {
		return nil, fmt.Errorf("rerank: no JSON array found in output")
	}

	var pairs []scorePair
	if err := json.Unmarshal([]byte(block), &pairs); err != nil {
		return nil, fmt.Errorf("rerank: parse JSON array: %w", err)
	}

	scores := make(map[int]float64, len(pairs))
	for _, p := range pairs {
		scores[p.Index] = p.Score
	}
	return scores, nil
}

// firstBracketBlock returns the first balanced `[...]` substring of s.
func firstBracketBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func buildPrompt(query string, queryType QueryType, candidates []search.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	fmt.Fprintf(&b, "Query type: %s. %s\n\n", queryType, instruction(queryType))
	b.WriteString("Candidates:\n")
	for i, c := range candidates {
		content := c.Content
		if len(content) > contentTruncate {
			content = content[:contentTruncate]
		}
		if c.Date != "" {
			fmt.Fprintf(&b, "[%d] (date: %s) %s\n", i, c.Date, content)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", i, content)
		}
	}
	b.WriteString("\nRespond with a JSON array covering every index above, each element shaped " +
		`{"index": <int>, "score": <0-10>}.`)
	return b.String()
}

func applyScores(candidates []search.Result, scores map[int]float64, k int) []Result {
	results := make([]Result, len(candidates))
	for i, c := range candidates {
		raw := scores[i]
		results[i] = Result{
			Result:      c,
			RerankScore: raw,
			Reranked:    true,
		}
		results[i].Score = raw / scoreScaleDivisor
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].RerankScore > results[j].RerankScore })
	return topK(results, k)
}

func wrap(candidates []search.Result) []Result {
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{Result: c}
	}
	return out
}

func topK(results []Result, k int) []Result {
	if k < 0 || k > len(results) {
		k = len(results)
	}
	return results[:k]
}
