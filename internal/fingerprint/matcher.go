package fingerprint

// Similarity thresholds. A score at or above RebindThreshold is treated as
// organic drift of the same device (browser updates, plugin changes) and is
// only consulted on the login path.
const (
	SuspiciousThreshold    = 0.4
	HighSuspicionThreshold = 0.5
	RebindThreshold        = 0.7
	listOverlapMinimum     = 0.8
)

// comparableFeature pairs a feature key with its identifying weight. High
// entropy signals (rendered canvas, audio pipeline) outweigh settings any two
// machines may share.
type comparableFeature struct {
	key    string
	weight int
}

var comparableFeatures = []comparableFeature{
	{KeyCanvasFingerprint, 10},
	{KeyAudioFingerprint, 8},
	{KeyWebGLRenderer, 7},
	{KeyFonts, 6},
	{KeyWebGLVendor, 5},
	{KeyPlugins, 4},
	{KeyUserAgent, 3},
	{KeyScreenResolution, 3},
	{KeyHardwareConcurrency, 2},
	{KeyDeviceMemory, 2},
	{KeyPlatform, 2},
	{KeyTimezone, 2},
	{KeyColorDepth, 1},
	{KeyLanguage, 1},
}

// Similarity is the outcome of comparing two feature bundles.
type Similarity struct {
	// Score is the weighted fraction of compared features that matched,
	// in [0,1]. Features absent from either bundle are skipped and count
	// neither for nor against the score.
	Score float64 `json:"score"`

	// MatchedFeatures lists the feature keys that matched, most
	// identifying first.
	MatchedFeatures []string `json:"matched_features,omitempty"`

	Suspicious       bool `json:"suspicious"`
	HighlySuspicious bool `json:"highly_suspicious"`
}

// Compare scores how likely two bundles describe the same device. The
// comparison is symmetric: Compare(a, b) == Compare(b, a).
func Compare(a, b FeatureBundle) Similarity {
	var matched, total int
	var matchedKeys []string

	for _, feat := range comparableFeatures {
		va, okA := a[feat.key]
		vb, okB := b[feat.key]
		if !okA || !okB {
			// Incomplete client data is not punished.
			continue
		}
		total += feat.weight
		if featureMatches(va, vb) {
			matched += feat.weight
			matchedKeys = append(matchedKeys, feat.key)
		}
	}

	var score float64
	if total > 0 {
		score = float64(matched) / float64(total)
	}

	return Similarity{
		Score:            score,
		MatchedFeatures:  matchedKeys,
		Suspicious:       score >= SuspiciousThreshold,
		HighlySuspicious: score >= HighSuspicionThreshold,
	}
}

// featureMatches compares one feature value pair. List features (font and
// plugin sets) match when the overlap covers at least 80% of the smaller
// set; everything else matches on order-independent structural equality.
func featureMatches(a, b interface{}) bool {
	listA, isListA := stringList(a)
	listB, isListB := stringList(b)
	if isListA != isListB {
		return false
	}
	if isListA {
		return listOverlapMatches(listA, listB)
	}
	return scalarString(a) == scalarString(b)
}

func listOverlapMatches(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}

	set := make(map[string]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	overlap := 0
	seen := make(map[string]struct{}, len(b))
	for _, item := range b {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		if _, ok := set[item]; ok {
			overlap++
		}
	}

	smaller := len(set)
	if len(seen) < smaller {
		smaller = len(seen)
	}
	return float64(overlap) >= listOverlapMinimum*float64(smaller)
}
