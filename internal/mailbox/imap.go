package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
	"mailschedule/pkg/metrics"
)

// AccountLookup returns the mailbox login for a user.
type AccountLookup interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// IMAPSource reads INBOX over IMAP, authenticating with OAUTHBEARER and the
// user's OAuth access token. Message ids are "imap:<account>:<uidvalidity>:<uid>"
// so they stay unique across mailboxes and UIDVALIDITY resets.
type IMAPSource struct {
	host     string
	port     string
	tokens   TokenProvider
	accounts AccountLookup
	logger   *zap.Logger
}

func NewIMAPSource(host, port string, tokens TokenProvider, accounts AccountLookup, logger *zap.Logger) *IMAPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMAPSource{host: host, port: port, tokens: tokens, accounts: accounts, logger: logger}
}

// session is a logged-in connection with INBOX selected.
type session struct {
	client      *imapclient.Client
	account     string
	uidValidity uint32
}

func (s *IMAPSource) connect(ctx context.Context, userID int64) (*session, error) {
	u, err := s.accounts.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	access, err := s.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.host, s.port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to IMAP %s: %w", apperr.ErrUpstreamGateway, addr, err)
	}

	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: u.Email,
		Token:    access,
		Host:     s.host,
		Port:     atoiOrZero(s.port),
	})
	if err := client.Authenticate(auth); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("%w: IMAP authentication for %s: %v", apperr.ErrUpstreamGateway, u.Email, err)
	}

	sel, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("%w: selecting INBOX: %v", apperr.ErrUpstreamGateway, err)
	}
	return &session{client: client, account: u.Email, uidValidity: sel.UIDValidity}, nil
}

func (ss *session) close() { _ = ss.client.Logout().Wait() }

// imapMessageID namespaces a UID by account and UIDVALIDITY.
func imapMessageID(account string, uidValidity uint32, uid imap.UID) string {
	return fmt.Sprintf("imap:%s:%d:%d", account, uidValidity, uid)
}

// parseIMAPID is the inverse of imapMessageID.
func parseIMAPID(id string) (account string, uidValidity uint32, uid imap.UID, err error) {
	rest, ok := strings.CutPrefix(id, "imap:")
	if !ok {
		return "", 0, 0, fmt.Errorf("message %q: %w", id, apperr.ErrNotFound)
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", 0, 0, fmt.Errorf("message %q: %w", id, apperr.ErrNotFound)
	}
	j := strings.LastIndexByte(rest[:i], ':')
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("message %q: %w", id, apperr.ErrNotFound)
	}
	validity, err1 := strconv.ParseUint(rest[j+1:i], 10, 32)
	n, err2 := strconv.ParseUint(rest[i+1:], 10, 32)
	if err1 != nil || err2 != nil {
		return "", 0, 0, fmt.Errorf("message %q: %w", id, apperr.ErrNotFound)
	}
	return rest[:j], uint32(validity), imap.UID(n), nil
}

// ListUnread returns the newest unseen UIDs first, like the Gmail listing.
func (s *IMAPSource) ListUnread(ctx context.Context, userID int64, max int) (ids []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordExternalCall("imap", "search", err, time.Since(start)) }()

	ss, err := s.connect(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer ss.close()

	data, err := ss.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: searching unseen: %v", apperr.ErrUpstreamGateway, err)
	}

	uids := data.AllUIDs()
	slices.Reverse(uids)
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}
	for _, uid := range uids {
		ids = append(ids, imapMessageID(ss.account, ss.uidValidity, uid))
	}
	return ids, nil
}

// Fetch peeks at the message so it stays unseen.
func (s *IMAPSource) Fetch(ctx context.Context, userID int64, id string) (msg *Message, err error) {
	account, validity, uid, err := parseIMAPID(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.RecordExternalCall("imap", "fetch", err, time.Since(start)) }()

	ss, err := s.connect(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer ss.close()

	// UIDVALIDITY 变了，旧 UID 指向的可能是另一封邮件
	if account != ss.account || validity != ss.uidValidity {
		return nil, fmt.Errorf("message %q no longer valid in this mailbox: %w", id, apperr.ErrNotFound)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := ss.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	data := cmd.Next()
	if data == nil {
		return nil, fmt.Errorf("message UID %d: %w", uid, apperr.ErrNotFound)
	}
	buf, err := data.Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: collecting UID %d: %v", apperr.ErrUpstreamGateway, uid, err)
	}

	msg = messageFromBuffer(id, buf, buf.FindBodySection(section))
	if err := cmd.Close(); err != nil {
		s.logger.Warn("IMAP fetch close failed", zap.String("message_id", id), zap.Error(err))
	}
	return msg, nil
}

func messageFromBuffer(id string, buf *imapclient.FetchMessageBuffer, raw []byte) *Message {
	m := &Message{ID: id}
	if env := buf.Envelope; env != nil {
		m.ThreadID = env.MessageID
		m.Subject = env.Subject
		m.From = joinAddrs(env.From)
		m.To = joinAddrs(env.To)
		if !env.Date.IsZero() {
			m.Date = env.Date.Format(time.RFC1123Z)
		}
	}
	if raw != nil {
		date, body := parseRaw(raw)
		if date != "" {
			m.Date = date
		}
		m.BodyText = body
	}
	m.Snippet = makeSnippet(m.BodyText)
	return m
}

func joinAddrs(addrs []imap.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Addr()))
		} else {
			out = append(out, a.Addr())
		}
	}
	return strings.Join(out, ", ")
}

// parseRaw returns the Date header and the first text/plain part. A message
// go-message cannot read is treated as plain text.
func parseRaw(raw []byte) (date, body string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", string(raw)
	}
	defer mr.Close()

	date = mr.Header.Get("Date")
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		return date, string(b)
	}
	return date, ""
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
