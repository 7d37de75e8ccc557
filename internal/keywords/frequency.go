package keywords

import (
	"context"
	"slices"

	"github.com/grafana/regexp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// FrequencyExtractor ranks lower-cased alphanumeric tokens by count after
// dropping English stopwords. Ties keep first-occurrence order.
type FrequencyExtractor struct{}

func NewFrequencyExtractor() FrequencyExtractor { return FrequencyExtractor{} }

func (FrequencyExtractor) Extract(_ context.Context, text string, k int) ([]string, error) {
	return topTerms(text, k), nil
}

func topTerms(text string, k int) []string {
	if k <= 0 {
		return nil
	}
	lower := cases.Lower(language.Und).String(text)

	type term struct {
		word  string
		count int
		first int
	}
	seen := make(map[string]*term)
	var terms []*term
	for i, word := range wordPattern.FindAllString(lower, -1) {
		if stopwords[word] {
			continue
		}
		if t, ok := seen[word]; ok {
			t.count++
			continue
		}
		t := &term{word: word, count: 1, first: i}
		seen[word] = t
		terms = append(terms, t)
	}

	slices.SortStableFunc(terms, func(a, b *term) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})
	out := make([]string, 0, min(k, len(terms)))
	for _, t := range terms[:min(k, len(terms))] {
		out = append(out, t.word)
	}
	return out
}

// stopwords is the NLTK English list.
var stopwords = toSet(
	"i", "me", "my", "myself", "we", "our", "ours", "ourselves", "you", "you're",
	"you've", "you'll", "you'd", "your", "yours", "yourself", "yourselves", "he",
	"him", "his", "himself", "she", "she's", "her", "hers", "herself", "it", "it's",
	"its", "itself", "they", "them", "their", "theirs", "themselves", "what", "which",
	"who", "whom", "this", "that", "that'll", "these", "those", "am", "is", "are",
	"was", "were", "be", "been", "being", "have", "has", "had", "having", "do", "does",
	"did", "doing", "a", "an", "the", "and", "but", "if", "or", "because", "as",
	"until", "while", "of", "at", "by", "for", "with", "about", "against", "between",
	"into", "through", "during", "before", "after", "above", "below", "to", "from",
	"up", "down", "in", "out", "on", "off", "over", "under", "again", "further",
	"then", "once", "here", "there", "when", "where", "why", "how", "all", "any",
	"both", "each", "few", "more", "most", "other", "some", "such", "no", "nor",
	"not", "only", "own", "same", "so", "than", "too", "very", "s", "t", "can",
	"will", "just", "don", "don't", "should", "should've", "now", "d", "ll", "m",
	"o", "re", "ve", "y", "ain", "aren", "aren't", "couldn", "couldn't", "didn",
	"didn't", "doesn", "doesn't", "hadn", "hadn't", "hasn", "hasn't", "haven",
	"haven't", "isn", "isn't", "ma", "mightn", "mightn't", "mustn", "mustn't",
	"needn", "needn't", "shan", "shan't", "shouldn", "shouldn't", "wasn", "wasn't",
	"weren", "weren't", "won", "won't", "wouldn", "wouldn't",
)

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
