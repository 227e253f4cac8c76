// Package emotion tags chat text with a coarse emotion label.
package emotion

import (
	"regexp"
	"strings"
	"unicode"
)

// Label is the coarse emotion attached to a message.
type Label string

const (
	Neutral Label = "neutral"
	Happy   Label = "happy"
	Sad     Label = "sad"
	Angry   Label = "angry"
	Excited Label = "excited"
)

// priority breaks ties between equally scored labels, highest first.
var priority = []Label{Angry, Sad, Excited, Happy}

// Decision is the classified label and the number of markers supporting it.
type Decision struct {
	Label Label
	Score int
}

var markers = map[Label][]string{
	Angry: {
		"angry", "furious", "rage", "mad", "annoyed", "pissed", "hate", "how dare", "unacceptable", "fed up",
		"怒", "ムカつく", "許さない", "イライラ", "ふざけ",
	},
	Sad: {
		"sad", "cry", "crying", "tears", "lonely", "miss you", "heartbroken", "sorry", "depressed", "hurts", "upset",
		"悲しい", "寂しい", "泣", "つらい", "辛い", "切ない",
	},
	Excited: {
		"wow", "amazing", "can't wait", "cannot wait", "incredible", "awesome", "so cool", "omg", "!!",
		"すごい", "やばい", "楽しみ", "わくわく", "ワクワク", "！！",
	},
	Happy: {
		"thanks", "thank you", "grateful", "appreciate", "glad", "happy", "love", "smile", "yay", "lovely",
		"ありがとう", "嬉しい", "うれしい", "幸せ", "感謝", "大好き",
	},
}

var patterns = compile(markers)

func compile(source map[Label][]string) map[Label][]*regexp.Regexp {
	compiled := make(map[Label][]*regexp.Regexp, len(source))
	for label, words := range source {
		for _, word := range words {
			expression := regexp.QuoteMeta(strings.ToLower(word))
			if isWordLike(word) {
				expression = `\b` + expression + `\b`
			}
			compiled[label] = append(compiled[label], regexp.MustCompile(expression))
		}
	}
	return compiled
}

// isWordLike reports whether the marker is plain ASCII text that should match on word boundaries.
func isWordLike(word string) bool {
	for _, r := range word {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || r == ' ' || r == '\'') {
			return false
		}
	}
	return true
}

// Analyze counts the markers of every label in text. The label with the most matches wins;
// ties resolve by the fixed order angry, sad, excited, happy. Text without markers is neutral.
func Analyze(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Label: Neutral}
	}
	best := Decision{Label: Neutral}
	for _, label := range priority {
		score := 0
		for _, pattern := range patterns[label] {
			score += len(pattern.FindAllStringIndex(normalized, -1))
		}
		if score > best.Score {
			best = Decision{Label: label, Score: score}
		}
	}
	return best
}

// Classify returns only the label of Analyze.
func Classify(text string) Label {
	return Analyze(text).Label
}
