package deployment

import "strings"

// =============================================================================
// Shell Quoting
// =============================================================================

// Quote quotes a single word for a POSIX shell. Words made only of safe
// characters are returned unchanged.
//
// Example:
//
//	Quote("app")       // returns "app"
//	Quote("it's")      // returns "'it'\"'\"'s'"
func Quote(word string) string {
	if word == "" {
		return "''"
	}
	if isSafeWord(word) {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'"'"'`) + "'"
}

// Join quotes every word and joins them with spaces.
func Join(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}

func isSafeWord(word string) bool {
	for _, r := range word {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@,+%", r):
		default:
			return false
		}
	}
	return true
}
