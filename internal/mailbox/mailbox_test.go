package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"mailschedule/internal/apperr"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context, int64) (string, error) { return string(s), nil }

func (s staticTokens) TokenSource(context.Context, int64) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(s), TokenType: "Bearer"})
}

// noTokens mimics a user who never linked a Google account.
type noTokens struct{}

func (noTokens) AccessToken(_ context.Context, userID int64) (string, error) {
	return "", fmt.Errorf("token for user %d: %w", userID, apperr.ErrNotFound)
}

func (n noTokens) TokenSource(ctx context.Context, userID int64) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) {
		_, err := n.AccessToken(ctx, userID)
		return nil, err
	})
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func gmailServer(t *testing.T) (*httptest.Server, *http.Request) {
	t.Helper()
	var last http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last = *r
		w.Header().Set("Content-Type", "application/json")
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			_, _ = w.Write([]byte(`{"messages":[{"id":"m2","threadId":"t2"},{"id":"m1","threadId":"t1"}]}`))
		case r.URL.Path == "/gmail/v1/users/me/messages/m1":
			_, _ = w.Write([]byte(`{"id":"m1","threadId":"t1","snippet":"see you",
				"payload":{"mimeType":"multipart/alternative","headers":[
					{"name":"From","value":"Ann <ann@x.com>"},
					{"name":"To","value":"me@x.com"},
					{"name":"Subject","value":"Sync"},
					{"name":"Date","value":"Sat, 20 Jan 2024 09:00:00 +0800"}],
				"parts":[
					{"mimeType":"text/html","body":{"data":"` + b64("<p>html</p>") + `"}},
					{"mimeType":"text/plain","body":{"data":"` + b64("Meet at 14:00") + `"}}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestGmailListUnread(t *testing.T) {
	srv, last := gmailServer(t)
	src := NewGmailSource(staticTokens("tok"), nil, WithGmailEndpoint(srv.URL+"/"))

	ids, err := src.ListUnread(context.Background(), 1, 5)
	be.Err(t, err, nil)
	be.Equal(t, ids, []string{"m2", "m1"})

	q := last.URL.Query()
	be.Equal(t, q.Get("q"), "is:unread")
	be.Equal(t, q.Get("labelIds"), "INBOX")
	be.Equal(t, q.Get("maxResults"), "5")
}

func TestGmailFetch(t *testing.T) {
	srv, _ := gmailServer(t)
	src := NewGmailSource(staticTokens("tok"), nil, WithGmailEndpoint(srv.URL+"/"))

	m, err := src.Fetch(context.Background(), 1, "m1")
	be.Err(t, err, nil)
	be.Equal(t, m.ThreadID, "t1")
	be.Equal(t, m.From, "Ann <ann@x.com>")
	be.Equal(t, m.To, "me@x.com")
	be.Equal(t, m.Subject, "Sync")
	be.Equal(t, m.Date, "Sat, 20 Jan 2024 09:00:00 +0800")
	be.Equal(t, m.BodyText, "Meet at 14:00")
	be.Equal(t, m.Snippet, "see you")
}

func TestGmailFetchNotFound(t *testing.T) {
	srv, _ := gmailServer(t)
	src := NewGmailSource(staticTokens("tok"), nil, WithGmailEndpoint(srv.URL+"/"))

	_, err := src.Fetch(context.Background(), 1, "missing")
	be.Err(t, err, apperr.ErrNotFound)
}

func TestGmailAuthFailureIsUpstream(t *testing.T) {
	srv, _ := gmailServer(t)
	src := NewGmailSource(staticTokens("wrong"), nil, WithGmailEndpoint(srv.URL+"/"))

	_, err := src.ListUnread(context.Background(), 1, 5)
	be.Err(t, err, apperr.ErrUpstreamGateway)
}

func TestGmailMissingTokenIsNotFound(t *testing.T) {
	srv, _ := gmailServer(t)
	src := NewGmailSource(noTokens{}, nil, WithGmailEndpoint(srv.URL+"/"))

	_, err := src.ListUnread(context.Background(), 7, 5)
	be.Err(t, err, apperr.ErrNotFound)
	be.True(t, !errors.Is(err, apperr.ErrUpstreamGateway))

	_, err = src.Fetch(context.Background(), 7, "m1")
	be.Err(t, err, apperr.ErrNotFound)
}

func TestGmailMissingTokenDoesNotOpenBreaker(t *testing.T) {
	srv, _ := gmailServer(t)
	unlinked := NewGmailSource(noTokens{}, nil, WithGmailEndpoint(srv.URL+"/"))
	linked := NewGmailSource(staticTokens("tok"), nil, WithGmailEndpoint(srv.URL+"/"))
	// 两个用户共用一个熔断器
	linked.cb = unlinked.cb

	for i := 0; i < 10; i++ {
		_, _ = unlinked.ListUnread(context.Background(), 7, 5)
	}
	ids, err := linked.ListUnread(context.Background(), 1, 5)
	be.Err(t, err, nil)
	be.Equal(t, ids, []string{"m2", "m1"})
}

func TestDecodeBodyUnpadded(t *testing.T) {
	raw := base64.RawURLEncoding.EncodeToString([]byte("hello?"))
	be.Equal(t, decodeBody(raw), "hello?")
	be.Equal(t, decodeBody("!!!"), "")
}

func TestParseRawMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"Date: Sat, 20 Jan 2024 09:00:00 +0800",
		"From: ann@x.com",
		"Subject: Sync",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/html",
		"",
		"<p>html</p>",
		"--b",
		"Content-Type: text/plain",
		"",
		"Meet at 14:00",
		"--b--",
		"",
	}, "\r\n")

	date, body := parseRaw([]byte(raw))
	be.Equal(t, date, "Sat, 20 Jan 2024 09:00:00 +0800")
	be.Equal(t, strings.TrimSpace(body), "Meet at 14:00")
}

func TestParseRawSinglePart(t *testing.T) {
	raw := "Date: Mon, 22 Jan 2024 08:00:00 +0000\r\nSubject: Hi\r\n\r\nplain body\r\n"
	date, body := parseRaw([]byte(raw))
	be.Equal(t, date, "Mon, 22 Jan 2024 08:00:00 +0000")
	be.Equal(t, strings.TrimSpace(body), "plain body")
}

func TestMakeSnippet(t *testing.T) {
	be.Equal(t, makeSnippet("  a\n\n b\tc "), "a b c")
	long := strings.Repeat("日", 250)
	be.Equal(t, len([]rune(makeSnippet(long))), snippetLen)
}

func TestIMAPMessageIDIsMailboxScoped(t *testing.T) {
	a := imapMessageID("ann@x.com", 7, 1)
	b := imapMessageID("bob@x.com", 7, 1)
	reset := imapMessageID("ann@x.com", 8, 1)
	be.Equal(t, a, "imap:ann@x.com:7:1")
	be.True(t, a != b)
	be.True(t, a != reset)

	account, validity, uid, err := parseIMAPID(a)
	be.Err(t, err, nil)
	be.Equal(t, account, "ann@x.com")
	be.Equal(t, validity, uint32(7))
	be.Equal(t, uid, imap.UID(1))
}

func TestParseIMAPIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"42", "imap:", "imap:ann@x.com:1", "imap::1:2", "imap:ann@x.com:v:2", "m1"} {
		_, _, _, err := parseIMAPID(id)
		be.Err(t, err, apperr.ErrNotFound)
	}
}
