package fingerprint

import (
	"sort"
	"strconv"
)

// FeatureBundle is the flat map of device/browser characteristics collected
// by the client. Values arrive loosely typed from JSON (string, float64, bool,
// []interface{}). The bundle is advisory evidence only and is never trusted;
// keys outside the recognized set are ignored by the hasher and matcher.
type FeatureBundle map[string]interface{}

// Recognized feature keys. The client may send more; everything else is noise.
const (
	KeyUserAgent           = "userAgent"
	KeyPlatform            = "platform"
	KeyLanguage            = "language"
	KeyScreenResolution    = "screenResolution"
	KeyColorDepth          = "colorDepth"
	KeyTimezone            = "timezone"
	KeyCanvasFingerprint   = "canvasFingerprint"
	KeyWebGLVendor         = "webglVendor"
	KeyWebGLRenderer       = "webglRenderer"
	KeyAudioFingerprint    = "audioFingerprint"
	KeyHardwareConcurrency = "hardwareConcurrency"
	KeyDeviceMemory        = "deviceMemory"
	KeyFonts               = "fonts"
	KeyPlugins             = "plugins"
	KeyLocalStorage        = "localStorage"
	KeySessionStorage      = "sessionStorage"
	KeyIndexedDB           = "indexedDB"
	KeyCookiesEnabled      = "cookiesEnabled"
	KeyTouchSupport        = "touchSupport"

	// KeyPrivateMode is set by the collector when it detects an
	// incognito/private browsing context. It short-circuits both the
	// registration and login decision paths.
	KeyPrivateMode = "privateMode"
)

// PrivateMode reports whether the collector flagged a private browsing context.
func (b FeatureBundle) PrivateMode() bool {
	v, ok := b[KeyPrivateMode]
	if !ok {
		return false
	}
	flag, _ := v.(bool)
	return flag
}

// stringList extracts a list-valued feature as a string slice. Non-string
// elements are stringified so malformed client data degrades instead of
// failing.
func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, scalarString(item))
		}
		return out, true
	default:
		return nil, false
	}
}

// scalarString renders a scalar feature value in canonical form. JSON numbers
// decode as float64, but clients occasionally send integers through other
// paths, so both are normalized to the same representation.
func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	default:
		return ""
	}
}

// canonicalValue renders any feature value deterministically. Lists are
// sorted so element order never affects the result.
func canonicalValue(v interface{}) string {
	if list, ok := stringList(v); ok {
		sort.Strings(list)
		joined := ""
		for i, item := range list {
			if i > 0 {
				joined += ","
			}
			joined += item
		}
		return joined
	}
	return scalarString(v)
}
