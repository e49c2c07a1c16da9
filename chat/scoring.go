package chat

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/fabfab/campusqa/metrics"
)

// Score is an accuracy score in [0, 1] together with the path that produced it.
type Score struct {
	Value  float64
	Method string
}

// ScoredViaModel is a score rated by the scoring model.
func ScoredViaModel(value float64) Score {
	return Score{Value: clamp01(value), Method: metrics.ScoringModel}
}

// ScoredViaHeuristic is a score computed from lexical overlap.
func ScoredViaHeuristic(value float64) Score {
	return Score{Value: clamp01(value), Method: metrics.ScoringHeuristic}
}

func (s Score) ViaModel() bool { return s.Method == metrics.ScoringModel }

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

const numberExpr = `-?(?:\d+(?:\.\d*)?|\.\d+)(?:e[-+]?\d+)?`

var (
	numberPattern = regexp.MustCompile(numberExpr)

	// "0.6/1" and "0.6 out of 1" keep the numerator; any other denominator is a different scale.
	ratioPattern = regexp.MustCompile(`(` + numberExpr + `)\s*(?:/|out of)\s*(` + numberExpr + `)`)

	// Echoed scale bounds such as "(0-1)" or "0.0 to 1.0".
	rangePattern   = regexp.MustCompile(`\d*\.?\d+\s*(?:-|–|to)\s*\d*\.?\d+`)
	percentPattern = regexp.MustCompile(numberExpr + `\s*%`)
)

// parseRating reads the rating in a scoring reply. A reply that is a single number
// must lie in [0, 1]; otherwise the last number in [0, 1] wins once echoed scale
// bounds and percentages are set aside. Ratings on another scale are malformed.
func parseRating(reply string) (float64, error) {
	text := strings.ToLower(strings.TrimSpace(reply))
	if value, err := strconv.ParseFloat(strings.TrimSuffix(text, "."), 64); err == nil {
		if !inUnitRange(value) {
			return 0, fmt.Errorf("rating %q outside [0, 1]", truncate(reply, 80))
		}
		return value, nil
	}

	for _, m := range ratioPattern.FindAllStringSubmatch(text, -1) {
		if den, err := strconv.ParseFloat(m[2], 64); err != nil || den != 1 {
			return 0, fmt.Errorf("rating %q is not on a 0-1 scale", m[0])
		}
	}
	text = ratioPattern.ReplaceAllString(text, " ${1} ")
	text = rangePattern.ReplaceAllString(text, " ")
	text = percentPattern.ReplaceAllString(text, " ")

	matches := numberPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no rating in scoring reply %q", truncate(reply, 80))
	}
	for i := len(matches) - 1; i >= 0; i-- {
		value, err := strconv.ParseFloat(matches[i], 64)
		if err == nil && inUnitRange(value) {
			return value, nil
		}
	}
	return 0, fmt.Errorf("rating %q outside [0, 1]", truncate(reply, 80))
}

func inUnitRange(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }

// LexicalOverlap is the share of the answer's distinct significant words that also
// occur in context. An answer without significant words scores 0.
func LexicalOverlap(answer, grounding string) float64 {
	answerWords := significantWords(answer)
	if len(answerWords) == 0 {
		return 0
	}

	normalizedAnswer := strings.Join(strings.Fields(strings.ToLower(answer)), " ")
	normalizedContext := strings.Join(strings.Fields(strings.ToLower(grounding)), " ")
	if strings.Contains(normalizedContext, normalizedAnswer) {
		return 1
	}

	contextWords := significantWords(grounding)
	shared := 0
	for word := range answerWords {
		if _, ok := contextWords[word]; ok {
			shared++
		}
	}
	return clamp01(float64(shared) / float64(len(answerWords)))
}

func significantWords(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	words := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if len([]rune(token)) < 2 {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		words[token] = struct{}{}
	}
	return words
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var stopWords = func() map[string]struct{} {
	list := strings.Fields(`
		a about above after again against all am an and any are as at be because been
		before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers herself him
		himself his how if in into is it its itself just me more most my myself no nor
		not now of off on once only or other our ours ourselves out over own same she
		should so some such than that the their theirs them themselves then there these
		they this those through to too under until up very was we were what when where
		which while who whom why will with would you your yours yourself yourselves
		also may might must shall us let get got
	`)
	set := make(map[string]struct{}, len(list))
	for _, w := range list {
		set[w] = struct{}{}
	}
	return set
}()
