package extractor

import (
	"context"
	"fmt"
	"strings"

	"mailschedule/internal/apperr"
)

// Draft is a generated email.
type Draft struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// ComposeInput describes the email to draft. Tone defaults to "professional".
type ComposeInput struct {
	Brief         string
	SenderName    string
	RecipientName string
	Tone          string
}

// Composer drafts outgoing emails from a one-line brief.
type Composer struct {
	client ModelClient
}

func NewComposer(client ModelClient) *Composer {
	return &Composer{client: client}
}

func (c *Composer) Compose(ctx context.Context, in ComposeInput) (*Draft, error) {
	if strings.TrimSpace(in.Brief) == "" {
		return nil, fmt.Errorf("%w: brief is required", apperr.ErrInvalidInput)
	}
	tone := in.Tone
	if tone == "" {
		tone = "professional"
	}

	reply, err := c.client.Complete(ctx, []Message{
		{Role: "system", Content: composePrompt},
		{Role: "user", Content: composeMessage(in.Brief, in.SenderName, in.RecipientName, tone)},
	}, false)
	if err != nil {
		return nil, fmt.Errorf("%w: model call: %v", apperr.ErrExtraction, err)
	}
	d := ParseDraft(reply)
	if d.Subject == "" && d.Content == "" {
		return nil, fmt.Errorf("%w: draft has no subject or content", apperr.ErrExtraction)
	}
	return d, nil
}

// ParseDraft reads the subject/content labels. Without them the first line
// mentioning a subject is used and everything after it becomes the body.
func ParseDraft(text string) *Draft {
	d := &Draft{}
	for _, it := range scanLabels(text) {
		switch it.field {
		case fieldSubject:
			d.Subject = it.value
		case fieldContent:
			d.Content = it.value
		}
	}
	if d.Subject != "" && d.Content != "" {
		return d
	}

	var body []string
	found := false
	for _, line := range strings.Split(text, "\n") {
		switch {
		case !found && (strings.Contains(line, "Subject") || strings.Contains(line, "主题")):
			parts := strings.FieldsFunc(line, func(r rune) bool { return r == '：' || r == ':' })
			if len(parts) > 0 {
				d.Subject = strings.TrimSpace(parts[len(parts)-1])
			}
			found = true
		case found && strings.TrimSpace(line) != "":
			body = append(body, line)
		}
	}
	if len(body) > 0 {
		d.Content = strings.Join(body, "\n")
	}
	return d
}
