package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
)

const provider = "gmail"

// Connector reads a Gmail mailbox with a stored OAuth refresh token.
type Connector struct {
	service *gmail.Service
}

func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	for name, value := range map[string]string{
		"GMAIL_CLIENT_ID":     cfg.GmailClientID,
		"GMAIL_CLIENT_SECRET": cfg.GmailClientSecret,
		"GMAIL_REFRESH_TOKEN": cfg.GmailRefreshToken,
	} {
		if err := cfg.Require(name, value); err != nil {
			return nil, err
		}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Connector{service: svc}, nil
}

// FetchInbox returns up to max messages carrying label, newest first as Gmail
// lists them.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	list, err := c.service.Users.Messages.List("me").LabelIds(label).MaxResults(int64(max)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]internal.FetchedMailMessage, 0, len(list.Messages))
	for _, ref := range list.Messages {
		if ref.Id == "" {
			continue
		}
		msg, ok, err := c.fetchOne(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Connector) fetchOne(ctx context.Context, id string) (internal.FetchedMailMessage, bool, error) {
	rawResp, err := c.service.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		return internal.FetchedMailMessage{}, false, fmt.Errorf("get message %s: %w", id, err)
	}
	if rawResp.Raw == "" {
		return internal.FetchedMailMessage{}, false, nil
	}
	raw, err := decodeBase64URL(rawResp.Raw)
	if err != nil {
		return internal.FetchedMailMessage{}, false, err
	}

	meta, err := c.service.Users.Messages.Get("me", id).Format("metadata").
		MetadataHeaders("Subject", "From", "Date", "Message-ID").Context(ctx).Do()
	if err != nil {
		return internal.FetchedMailMessage{}, false, fmt.Errorf("get metadata %s: %w", id, err)
	}
	headers := map[string]string{}
	if meta.Payload != nil {
		for _, h := range meta.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	received := time.Now().UTC()
	if t, err := parseMailDate(headers["date"]); err == nil {
		received = t.UTC()
	}
	messageID := headers["message-id"]
	if messageID == "" {
		messageID = id
	}

	return internal.FetchedMailMessage{
		Provider:   provider,
		MessageID:  messageID,
		Subject:    headers["subject"],
		From:       headers["from"],
		ReceivedAt: received.Format(time.RFC3339),
		Raw:        raw,
	}, true, nil
}

func decodeBase64URL(input string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(input); err == nil {
		return decoded, nil
	}
	decoded, err := base64.URLEncoding.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("decode gmail raw payload: %w", err)
	}
	return decoded, nil
}

// parseMailDate accepts the RFC 5322 date forms seen in practice, including a
// trailing "(UTC)" comment.
func parseMailDate(value string) (time.Time, error) {
	if i := strings.Index(value, " ("); i > 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC822Z,
		time.RFC822,
		time.RFC850,
		time.ANSIC,
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %q", value)
}
