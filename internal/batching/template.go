package batching

import (
	"fmt"
	"slices"
	"strings"

	"herald/pkg/types"
)

type summaryTemplate struct {
	title   string
	message string // formatted with the member count
}

// templates are keyed by the sorted, comma-joined set of distinct kinds.
var templates = map[string]summaryTemplate{
	"follow":            {"New followers", "%d people started following you"},
	"mention":           {"New mentions", "You were mentioned %d times"},
	"follow,mention":    {"Social activity", "You have %d new followers and mentions"},
	"like":              {"New likes", "Your posts received %d likes"},
	"comment":           {"New comments", "You have %d new comments"},
	"comment,like":      {"Activity on your posts", "Your posts received %d likes and comments"},
	"direct_message":    {"New messages", "You have %d new direct messages"},
	"ai_reply_finished": {"Replies ready", "%d AI replies finished"},
}

var fallbackTemplate = summaryTemplate{"New notifications", "You have %d new notifications"}

func templateKey(kinds []types.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// distinctKinds returns the sorted set of kinds present in members.
func distinctKinds(members []types.Notification) []types.Kind {
	kinds := make([]types.Kind, 0, len(members))
	for _, m := range members {
		if !slices.Contains(kinds, m.Kind) {
			kinds = append(kinds, m.Kind)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// renderSummary resolves the title and message for a batch at flush time.
func renderSummary(kinds []types.Kind, count int) (title, message string) {
	tpl, ok := templates[templateKey(kinds)]
	if !ok {
		tpl = fallbackTemplate
	}
	return tpl.title, fmt.Sprintf(tpl.message, count)
}
