package markdown

import "regexp"

var (
	sentenceBreak = regexp.MustCompile(`([.!?])([A-Z#])`)
	numberedBreak = regexp.MustCompile(`([a-z])(\d+\.)`)
	headingBreak  = regexp.MustCompile(`([a-z])(#{1,6}\s)`)
)

// Normalize inserts the paragraph breaks that model output tends to omit:
// after sentence punctuation glued to an uppercase letter or '#', and between a
// lowercase letter and a glued numbered-list or heading marker.
func Normalize(text string) string {
	text = sentenceBreak.ReplaceAllString(text, "${1}\n\n${2}")
	text = numberedBreak.ReplaceAllString(text, "${1}\n\n${2}")
	text = headingBreak.ReplaceAllString(text, "${1}\n\n${2}")
	return text
}
