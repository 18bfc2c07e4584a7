package tone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// ErrToneNotFound is returned (wrapped in a [*NotFoundError]) when a tone id is
// not registered. There is no fallback tone.
var ErrToneNotFound = errors.New("tone not found")

// suggestThreshold is the minimum Jaro-Winkler similarity for a registered id
// to be offered as a suggestion.
const suggestThreshold = 0.80

// NotFoundError reports an unknown tone id together with the closest
// registered id, if any is close enough.
type NotFoundError struct {
	ToneID     string
	Suggestion string
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("tone %q: %v (did you mean %q?)", e.ToneID, ErrToneNotFound, e.Suggestion)
	}
	return fmt.Sprintf("tone %q: %v", e.ToneID, ErrToneNotFound)
}

// Unwrap returns [ErrToneNotFound].
func (e *NotFoundError) Unwrap() error { return ErrToneNotFound }

// suggest returns the registered id most similar to id, or "" when none
// reaches the threshold. Separators are ignored so that "semi formal" can
// match "semi-formal".
func suggest(id string, known []string) string {
	needle := squash(id)
	if needle == "" {
		return ""
	}
	best, bestScore := "", 0.0
	for _, k := range known {
		score := matchr.JaroWinkler(needle, squash(k), false)
		if score > bestScore {
			best, bestScore = k, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}
