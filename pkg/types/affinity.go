package types

// Affinity names a set of mutually groupable kinds.
type Affinity string

const (
	// AffinityNone marks kinds that never group and always go out immediately.
	AffinityNone          Affinity = ""
	AffinitySocial        Affinity = "social"
	AffinityEngagement    Affinity = "engagement"
	AffinityDirectMessage Affinity = "direct_message"
	AffinityAIReply       Affinity = "ai_reply"
)

// affinityTable must hold an entry for every value in AllKinds.
var affinityTable = map[Kind]Affinity{
	KindFollow:          AffinitySocial,
	KindMention:         AffinitySocial,
	KindLike:            AffinityEngagement,
	KindComment:         AffinityEngagement,
	KindDirectMessage:   AffinityDirectMessage,
	KindAIReplyFinished: AffinityAIReply,
	KindSystem:          AffinityNone,
	KindSecurityAlert:   AffinityNone,
}

// AffinityOf returns the affinity set of k. The second result is false for
// kinds outside the closed set.
func AffinityOf(k Kind) (Affinity, bool) {
	a, ok := affinityTable[k]
	return a, ok
}

// Groupable reports whether a and b may share a batch.
func Groupable(a, b Kind) bool {
	aa, ok := affinityTable[a]
	if !ok || aa == AffinityNone {
		return false
	}
	return aa == affinityTable[b]
}

// IsKnownKind reports whether k belongs to the closed set.
func IsKnownKind(k Kind) bool {
	_, ok := affinityTable[k]
	return ok
}
