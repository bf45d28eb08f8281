// Package connectors pulls invoice mail from a mailbox, keeps the raw
// messages and registers every PDF they carry as a document.
package connectors

import (
	"context"
	"fmt"
	"strings"

	"invoicerecon/internal"
	"invoicerecon/internal/config"
	"invoicerecon/internal/connectors/gmail"
	"invoicerecon/internal/connectors/imap"
)

type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}

// NewMailConnector builds the connector named by provider ("gmail" or "imap").
func NewMailConnector(ctx context.Context, cfg config.Config, provider string) (MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmail.NewConnector(ctx, cfg)
	case "imap":
		return imap.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unknown mail provider: %s", provider)
	}
}
