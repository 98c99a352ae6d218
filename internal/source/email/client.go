package email

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailattach/internal/model"
)

// IMAPClient fetches attachments by reading the whole message over IMAP.
// Attachment.MessageID is the message UID in the configured mailbox and
// Attachment.ID its ordinal among attachment parts.
type IMAPClient struct {
	host     string
	port     string
	username string
	mailbox  string
	tls      bool
}

// NewIMAPClient creates a new IMAP client configuration. The password is
// supplied per fetch by the token provider.
func NewIMAPClient(
	host, port, username, mailbox string, tls bool,
) *IMAPClient {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		mailbox:  mailbox,
		tls:      tls,
	}
}

// Connect establishes a connection to the IMAP server and authenticates.
// The caller is responsible for calling Logout/Close on the returned
// client.
func (c *IMAPClient) Connect(
	ctx context.Context, password string,
) (*imapclient.Client, error) {
	const op = "imap connect"
	addr := c.host + ":" + c.port

	if err := ctx.Err(); err != nil {
		return nil, model.Canceled(op, err)
	}

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, model.NewError(model.KindRemoteError, op, fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	if err := client.Login(c.username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, model.NewError(
			model.KindAuthRequired, op,
			fmt.Errorf("authentication failed for %s: %w", c.username, err),
		)
	}

	return client, nil
}

// FetchMessage fetches and parses the full message with the given UID.
func (c *IMAPClient) FetchMessage(
	ctx context.Context, uid uint32, password string,
) (*ParsedMessage, error) {
	const op = "imap fetch"

	client, err := c.Connect(ctx, password)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	// imapclient commands do not take a context; closing the connection
	// unblocks them.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if _, err := client.Select(c.mailbox, nil).Wait(); err != nil {
		return nil, c.fetchError(ctx, op, fmt.Errorf("selecting %s: %w", c.mailbox, err))
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, c.fetchError(ctx, op, fmt.Errorf("fetching UID %d: %w", uid, err))
		}
		return nil, model.Errorf(model.KindNotFound, op, "message UID %d not found in %s", uid, c.mailbox)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, c.fetchError(ctx, op, fmt.Errorf("collecting message data: %w", err))
	}

	rawBody := buf.FindBodySection(bodySection)
	if rawBody == nil {
		return nil, model.Errorf(model.KindCorruptPayload, op, "message UID %d has no body", uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, c.fetchError(ctx, op, fmt.Errorf("closing fetch: %w", err))
	}

	return ParseMessage(bytes.NewReader(rawBody), strconv.FormatUint(uint64(uid), 10))
}

// FetchAttachment returns the decoded bytes of one attachment. The token
// is used as the IMAP password (an app password or OAuth token).
func (c *IMAPClient) FetchAttachment(
	ctx context.Context,
	att model.Attachment,
	token string,
	progress func(done, total int64),
) ([]byte, error) {
	uid, err := strconv.ParseUint(att.MessageID, 10, 32)
	if err != nil {
		return nil, model.Errorf(model.KindNotFound, "imap fetch", "message id %q is not an IMAP UID", att.MessageID)
	}

	msg, err := c.FetchMessage(ctx, uint32(uid), token)
	if err != nil {
		return nil, err
	}

	part, ok := msg.FindPart(att.ID)
	if !ok {
		return nil, model.Errorf(
			model.KindNotFound, "imap fetch",
			"attachment %s not found in message UID %d", att.ID, uid,
		)
	}

	if progress != nil {
		n := int64(len(part.Data))
		progress(n, n)
	}
	return part.Data, nil
}

func (c *IMAPClient) fetchError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Canceled(op, ctxErr)
	}
	return model.NewError(model.KindRemoteError, op, err)
}
