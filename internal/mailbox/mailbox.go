// Package mailbox lists and fetches unread messages for a user.
package mailbox

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// Message is one fetched email. Date is the raw RFC 2822 header value.
type Message struct {
	ID       string
	ThreadID string
	From     string
	To       string
	Subject  string
	Date     string
	BodyText string
	Snippet  string
}

// Source is where unread mail comes from. ListUnread returns ids in the
// provider's listing order.
type Source interface {
	ListUnread(ctx context.Context, userID int64, max int) ([]string, error)
	Fetch(ctx context.Context, userID int64, id string) (*Message, error)
}

// TokenProvider hands out OAuth access tokens per user.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
	TokenSource(ctx context.Context, userID int64) oauth2.TokenSource
}

const snippetLen = 200

// makeSnippet collapses whitespace and cuts at snippetLen runes.
func makeSnippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	return string([]rune(s)[:snippetLen])
}
