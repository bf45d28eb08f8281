package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
)

const provider = "imap"

// Connector reads unseen messages from an IMAP mailbox. With markSeen set the
// fetched messages are flagged \Seen once the fetch has completed.
type Connector struct {
	addr     string
	host     string
	secure   bool
	user     string
	password string
	markSeen bool
}

func NewConnector(cfg config.Config) (*Connector, error) {
	for name, value := range map[string]string{
		"IMAP_HOST":     cfg.IMAPHost,
		"IMAP_USER":     cfg.IMAPUser,
		"IMAP_PASSWORD": cfg.IMAPPassword,
	} {
		if err := cfg.Require(name, value); err != nil {
			return nil, err
		}
	}
	return &Connector{
		addr:     fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		host:     cfg.IMAPHost,
		secure:   cfg.IMAPSecure,
		user:     cfg.IMAPUser,
		password: cfg.IMAPPassword,
		markSeen: cfg.IMAPMarkSeen,
	}, nil
}

func (c *Connector) dial() (*imapclient.Client, error) {
	if c.secure {
		return imapclient.DialTLS(c.addr, &tls.Config{ServerName: c.host})
	}
	return imapclient.Dial(c.addr)
}

// FetchInbox returns the newest max unseen messages of the mailbox label.
// Cancelling ctx terminates the connection.
func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	client, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("imap dial: %w", err)
	}
	defer client.Logout()

	stop := context.AfterFunc(ctx, func() { _ = client.Terminate() })
	defer stop()

	if err := client.Login(c.user, c.password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := client.Select(label, false); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", label, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	out := make([]internal.FetchedMailMessage, 0, len(ids))
	fetched := new(imap.SeqSet)
	var readErr error
	for msg := range messages {
		if msg == nil || readErr != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			readErr = err
			continue
		}
		out = append(out, toFetched(msg, raw))
		fetched.AddNum(msg.SeqNum)
	}
	if err := <-fetchDone; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", ctxErr(ctx, err))
	}
	if readErr != nil {
		return nil, readErr
	}

	if c.markSeen && !fetched.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := client.Store(fetched, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return nil, fmt.Errorf("imap mark seen: %w", err)
		}
	}
	return out, nil
}

func toFetched(msg *imap.Message, raw []byte) internal.FetchedMailMessage {
	var messageID, subject, from string
	if msg.Envelope != nil {
		messageID = msg.Envelope.MessageId
		subject = msg.Envelope.Subject
		from = formatAddresses(msg.Envelope.From)
	}
	if messageID == "" {
		messageID = fmt.Sprintf("imap-%d", msg.Uid)
	}
	received := time.Now().UTC()
	if !msg.InternalDate.IsZero() {
		received = msg.InternalDate.UTC()
	}
	return internal.FetchedMailMessage{
		Provider:   provider,
		MessageID:  messageID,
		Subject:    subject,
		From:       from,
		ReceivedAt: received.Format(time.RFC3339),
		Raw:        raw,
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		email := strings.Trim(a.MailboxName+"@"+a.HostName, "@")
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, email))
		} else {
			parts = append(parts, email)
		}
	}
	return strings.Join(parts, ", ")
}
