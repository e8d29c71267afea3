// -----------------------------------------------------------------------
// Mailbox - IMAP session handling for the intake poller
// -----------------------------------------------------------------------

package intake

import (
	"io"

	imap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
)

// inboundMessage is one mail with its file attachments
type inboundMessage struct {
	SeqNum      uint32
	MessageID   string
	From        string
	Subject     string
	Attachments []attachment
}

type attachment struct {
	FileName string
	Data     []byte
}

// imapConn wraps one logged-in IMAP session
type imapConn struct {
	client *client.Client
	logger arbor.ILogger
}

func dialMailbox(server, username, password string, logger arbor.ILogger) (*imapConn, error) {
	c, err := client.DialTLS(server, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "imap connect failed").
			WithOperation("intake.connect").
			WithRetryable(true)
	}
	if err := c.Login(username, password); err != nil {
		c.Logout()
		return nil, apperrors.Wrap(err, apperrors.KindForbidden, "imap login failed").
			WithOperation("intake.connect")
	}
	return &imapConn{client: c, logger: logger}, nil
}

func (c *imapConn) close() {
	if err := c.client.Logout(); err != nil {
		c.logger.Debug().Err(err).Msg("IMAP logout failed")
	}
}

// fetchUnseen returns every unseen message in the folder with its
// attachments decoded. Messages stay unseen until markSeen runs.
func (c *imapConn) fetchUnseen(folder string) ([]inboundMessage, error) {
	mbox, err := c.client.Select(folder, false)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "failed to select folder").
			WithOperation("intake.fetch").
			WithContext("folder", folder).
			WithRetryable(true)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := c.client.Search(criteria)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "unseen search failed").
			WithOperation("intake.fetch").
			WithRetryable(true)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.client.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}, messages)
	}()

	var out []inboundMessage
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}
		parsed := inboundMessage{
			SeqNum:    msg.SeqNum,
			MessageID: msg.Envelope.MessageId,
			Subject:   msg.Envelope.Subject,
		}
		if len(msg.Envelope.From) > 0 {
			parsed.From = msg.Envelope.From[0].Address()
		}
		parsed.Attachments = extractAttachments(msg.GetBody(section), c.logger)
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "message fetch failed").
			WithOperation("intake.fetch").
			WithRetryable(true)
	}
	return out, nil
}

// markSeen flags a processed message so the next poll skips it
func (c *imapConn) markSeen(seqNum uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNum)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.client.Store(seqSet, item, flags, nil); err != nil {
		return apperrors.Wrap(err, apperrors.KindDomainFailure, "failed to flag message seen").
			WithOperation("intake.fetch")
	}
	return nil
}

func extractAttachments(r io.Reader, logger arbor.ILogger) []attachment {
	if r == nil {
		return nil
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open mail body")
		return nil
	}

	var out []attachment
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read mail part")
			break
		}
		h, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		fileName, err := h.Filename()
		if err != nil || fileName == "" {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			logger.Warn().Err(err).Str("file", fileName).Msg("Failed to read attachment")
			continue
		}
		out = append(out, attachment{FileName: fileName, Data: data})
	}
	return out
}
