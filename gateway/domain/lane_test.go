package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestClassifier_DefaultLanes(t *testing.T) {
	c := NewClassifier(DefaultLanes())

	cases := []struct {
		query string
		want  Lane
	}{
		{"", LaneExpress},
		{words(2), LaneExpress},
		{words(4), LaneExpress},
		{words(5), LaneStandard},
		{words(10), LaneStandard},
		{words(14), LaneStandard},
		{words(15), LaneDeep},
		{words(30), LaneDeep},
		{"  spaced\tout \n query ", LaneExpress},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.query).Lane, "query %q", tc.query)
	}
}

func TestClassifier_IsDeterministic(t *testing.T) {
	c := NewClassifier(DefaultLanes())
	q := words(9)
	first := c.Classify(q)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, c.Classify(q))
	}
	assert.Equal(t, 80*time.Millisecond, first.Budget)
}

func TestClassifier_CustomMeasure(t *testing.T) {
	c := Classifier{
		Lanes:   DefaultLanes(),
		Measure: func(q string) int { return len(q) },
	}
	assert.Equal(t, LaneExpress, c.Classify("abc").Lane)
	assert.Equal(t, LaneDeep, c.Classify(strings.Repeat("x", 40)).Lane)
}

func TestValidateLanes(t *testing.T) {
	require.NoError(t, ValidateLanes(DefaultLanes()))

	bad := map[string][]LaneConfig{
		"empty":          nil,
		"missing name":   {{Budget: time.Millisecond}},
		"no budget":      {{Lane: "a"}},
		"duplicated":     {{Lane: "a", MaxTokens: 3, Budget: 1}, {Lane: "a", Budget: 1}},
		"not increasing": {{Lane: "a", MaxTokens: 5, Budget: 1}, {Lane: "b", MaxTokens: 5, Budget: 1}, {Lane: "c", Budget: 1}},
		"no catch-all":   {{Lane: "a", MaxTokens: 5, Budget: 1}},
	}
	for name, lanes := range bad {
		assert.Error(t, ValidateLanes(lanes), name)
	}
}
