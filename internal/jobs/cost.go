package jobs

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"orbital/internal/domain"
)

// CharsPerMinute is the narration rate used for pricing.
const CharsPerMinute = 1000

// emotionMarker matches the inline TTS emotion cues, e.g. "(excited) ".
// They steer the voice and are not spoken.
var emotionMarker = regexp.MustCompile(`(?i)\((?:` +
	`angry|sad|excited|surprised|satisfied|delighted|` +
	`scared|worried|upset|nervous|frustrated|depressed|` +
	`empathetic|embarrassed|disgusted|moved|proud|relaxed|` +
	`grateful|confident|interested|curious|confused|joyful|` +
	`disdainful|unhappy|anxious|hysterical|indifferent|` +
	`impatient|guilty|scornful|panicked|furious|reluctant|` +
	`keen|disapproving|negative|denying|astonished|serious|` +
	`sarcastic|conciliative|comforting|sincere|sneering|` +
	`hesitating|yielding|painful|awkward|amused|` +
	`in a hurry tone|shouting|screaming|whispering|soft tone|` +
	`laughing|chuckling|sobbing|crying loudly|sighing|` +
	`panting|groaning|crowd laughing|background laughter|audience laughing|` +
	`calm|encouraging|thoughtful|cheerful|warm|patient|gentle` +
	`)\)\s*`)

// StripEmotionMarkers removes emotion cues from narration.
func StripEmotionMarkers(text string) string {
	return strings.TrimSpace(emotionMarker.ReplaceAllString(text, ""))
}

// SpokenChars counts narration characters with and without emotion cues.
func SpokenChars(steps []domain.Step) (spoken, total int) {
	for _, s := range steps {
		total += utf8.RuneCountInString(s.Narration)
		spoken += utf8.RuneCountInString(StripEmotionMarkers(s.Narration))
	}
	return spoken, total
}

// Cost prices spoken characters at CharsPerMinute, rounded to a tenth of a
// minute with a floor of 0.1.
func Cost(spoken int) domain.Minutes {
	tenths := math.Round(float64(spoken) * 10 / CharsPerMinute)
	if tenths < 1 {
		tenths = 1
	}
	return domain.Minutes(tenths * 10)
}
