package tts

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// nameMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// voice-name match.
const nameMatchThreshold = 0.85

// ResolveVoice finds the voice a user asked for. It tries, in order, an exact
// ID match, a case-insensitive name match and finally the closest name by
// Jaro-Winkler similarity above 0.85. It returns [ErrVoiceNotFound] when
// nothing qualifies.
func ResolveVoice(voices []VoiceProfile, query string) (VoiceProfile, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return VoiceProfile{}, ErrVoiceNotFound
	}
	for _, v := range voices {
		if v.ID == q {
			return v, nil
		}
	}
	lq := strings.ToLower(q)
	for _, v := range voices {
		if strings.ToLower(v.Name) == lq {
			return v, nil
		}
	}

	best, bestScore := -1, 0.0
	for i, v := range voices {
		score := matchr.JaroWinkler(lq, strings.ToLower(v.Name), false)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < nameMatchThreshold {
		return VoiceProfile{}, ErrVoiceNotFound
	}
	return voices[best], nil
}
