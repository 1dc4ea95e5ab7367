package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// digestKeys is the fixed subset of features that feed the digest. Volatile
// or unrecognized keys are deliberately excluded so that two captures of the
// same device hash identically. The order here is the canonical
// serialization order.
var digestKeys = []string{
	KeyUserAgent,
	KeyPlatform,
	KeyLanguage,
	KeyScreenResolution,
	KeyColorDepth,
	KeyTimezone,
	KeyCanvasFingerprint,
	KeyWebGLVendor,
	KeyWebGLRenderer,
	KeyAudioFingerprint,
	KeyHardwareConcurrency,
	KeyDeviceMemory,
	KeyFonts,
	KeyPlugins,
	KeyLocalStorage,
	KeySessionStorage,
	KeyIndexedDB,
	KeyCookiesEnabled,
	KeyTouchSupport,
}

// Digest canonicalizes the bundle and returns its SHA-256 as a hex string.
// Absent or malformed features degrade to the empty placeholder, so Digest
// never fails; identical bundles (over the selected keys) always produce the
// same digest regardless of map insertion order.
func Digest(bundle FeatureBundle) string {
	var sb strings.Builder
	for _, key := range digestKeys {
		sb.WriteString(key)
		sb.WriteByte('=')
		if v, ok := bundle[key]; ok {
			sb.WriteString(canonicalValue(v))
		}
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
