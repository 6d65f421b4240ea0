package domain

import "strings"

// ColorUnknown is the fallback when no vocabulary color matches.
const ColorUnknown = "unknown"

// ColorVocabulary is the fixed set of colors recognised by the dominant
// color heuristic, in match-priority order.
var ColorVocabulary = []string{
	"black", "white", "red", "blue", "green", "yellow",
	"orange", "purple", "pink", "brown", "grey", "gray",
	"beige", "navy", "gold", "silver",
}

// DominantColor extracts a dominant color from product text by substring
// match over the concatenated name and description, case-insensitive.
// Returns ColorUnknown when nothing matches.
func DominantColor(name, description string) string {
	text := strings.ToLower(name + " " + description)
	for _, c := range ColorVocabulary {
		if strings.Contains(text, c) {
			if c == "gray" {
				return "grey"
			}
			return c
		}
	}
	return ColorUnknown
}
