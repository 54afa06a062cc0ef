package room

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/portal-livechat/livechat/store"
)

// Normalizer prepares a backend message for the store. Returning false
// drops the message.
type Normalizer func(store.Message) (store.Message, bool)

// messagePolicy allows the safe formatting agents use in replies.
var messagePolicy = bluemonday.UGCPolicy().
	AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br", "p", "blockquote").
	AllowURLSchemes("http", "https", "mailto").
	RequireNoFollowOnLinks(true)

// Normalize drops messages without an id. Msg is kept as received; its
// sanitized rendering goes to HTML.
func Normalize(m store.Message) (store.Message, bool) {
	if m.ID == "" {
		return store.Message{}, false
	}
	m.HTML = ""
	if m.Msg != "" {
		m.HTML = strings.TrimSpace(messagePolicy.Sanitize(html.UnescapeString(m.Msg)))
	}
	return m, true
}
