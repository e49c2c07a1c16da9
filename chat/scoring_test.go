package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const treeContext = "A binary search tree keeps smaller keys in the left subtree.\n\nSearching a balanced tree takes logarithmic time."

func TestLexicalOverlap(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		want   float64
	}{
		{name: "no shared words", answer: "Photosynthesis converts sunlight into chemical energy.", want: 0},
		{name: "verbatim substring", answer: "keeps smaller keys in the left", want: 1},
		{name: "verbatim across paragraphs", answer: "left subtree. Searching a balanced", want: 1},
		{name: "case and punctuation ignored", answer: "BINARY, search; TREE!", want: 1},
		{name: "partially supported", answer: "Balanced trees rotate logarithmic nodes.", want: 0.4},
		{name: "only stop words", answer: "it is what it is", want: 0},
		{name: "empty answer", answer: "", want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, LexicalOverlap(tc.answer, treeContext), 1e-9)
		})
	}
}

func TestLexicalOverlapEmptyContext(t *testing.T) {
	assert.Equal(t, 0.0, LexicalOverlap("binary search tree", ""))
}

func TestLexicalOverlapStaysInBounds(t *testing.T) {
	answers := []string{
		"tree tree tree tree",
		"x y z",
		"logarithmic logarithmic unrelated",
		"42 is the answer to binary questions",
	}
	for _, answer := range answers {
		score := LexicalOverlap(answer, treeContext)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestParseRating(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
	}{
		{reply: "0.73", want: 0.73},
		{reply: "  1\n", want: 1},
		{reply: "Score: .5", want: 0.5},
		{reply: "0.8.", want: 0.8},
		{reply: "1e-2", want: 0.01},
		{reply: "Rating: 0.6 out of 1", want: 0.6},
		{reply: "On a scale of 0.0 to 1.0, I would rate this 0.9.", want: 0.9},
		{reply: "Score (0-1): 0.75", want: 0.75},
		{reply: "I'd give it 0.4 on a scale from 0 to 1.", want: 0.4},
		{reply: "About 90% confident; rating 0.85", want: 0.85},
		{reply: "Rated 7 overall, so 0.7", want: 0.7},
	}
	for _, tc := range cases {
		got, err := parseRating(tc.reply)
		require.NoError(t, err, tc.reply)
		assert.InDelta(t, tc.want, got, 1e-9, tc.reply)
	}

	for _, reply := range []string{
		"well supported",
		"",
		"7/10",
		"8 out of 10",
		"2.5",
		"-1",
		"NaN",
		"Score: 85%",
		"Rating: 7",
	} {
		_, err := parseRating(reply)
		assert.Error(t, err, reply)
	}
}

func TestScoreConstructorsClamp(t *testing.T) {
	assert.Equal(t, 1.0, ScoredViaModel(3).Value)
	assert.True(t, ScoredViaModel(0.4).ViaModel())
	assert.Equal(t, 0.0, ScoredViaHeuristic(-2).Value)
	assert.False(t, ScoredViaHeuristic(0.4).ViaModel())
}
