package audiocache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/grafana/regexp"
)

// maxKeyBytes keeps artifact names well under common file-name limits.
const maxKeyBytes = 150

var nonAlphanumeric = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Normalize collapses every run of non-alphanumeric characters to "_".
func Normalize(text string) string {
	return nonAlphanumeric.ReplaceAllString(text, "_")
}

// Key is the cache key and artifact name for text spoken by voice. The
// default voice ("") uses the bare normalized text; other voices are
// prefixed as "<voice>__<text>". The voice part is trimmed of "_", so the
// first "__" always ends it and no bare key can contain one.
func Key(text, voice string) string {
	key := Normalize(text)
	if voice != "" {
		key = strings.Trim(Normalize(voice), "_") + "__" + key
	}
	if len(key) <= maxKeyBytes {
		return key
	}
	sum := sha1.Sum([]byte(key))
	cut := maxKeyBytes - 13
	for cut > 0 && !utf8.RuneStart(key[cut]) {
		cut--
	}
	return key[:cut] + "_" + hex.EncodeToString(sum[:])[:12]
}
