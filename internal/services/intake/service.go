// -----------------------------------------------------------------------
// IntakeService - Inbox poller that feeds résumé attachments to parsing
// -----------------------------------------------------------------------

package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/services/parsing"
)

const defaultPollInterval = 2 * time.Minute

// Service polls an IMAP folder and turns every résumé attachment into a
// parsing job. Delivery is at least once: a message is flagged seen only
// after its attachments are submitted, and the mail's Message-Id keys
// the jobs' external ids so a redelivered mail replays onto the jobs it
// already created.
type Service struct {
	storage  interfaces.StorageManager
	parsing  interfaces.DomainService
	config   common.IMAPConfig
	ownerID  string
	interval time.Duration
	logger   arbor.ILogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ interfaces.IntakeService = (*Service)(nil)

// NewService creates the intake poller. The CVFORGE_IMAP_PASSWORD
// environment variable takes precedence over the config file password.
func NewService(storage interfaces.StorageManager, parsingSvc interfaces.DomainService, config *common.IMAPConfig, logger arbor.ILogger) *Service {
	cfg := common.IMAPConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if pw := os.Getenv("CVFORGE_IMAP_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	ownerID := cfg.OwnerID
	if ownerID == "" {
		ownerID = "intake"
	}
	return &Service{
		storage:  storage,
		parsing:  parsingSvc,
		config:   cfg,
		ownerID:  ownerID,
		interval: common.Duration(cfg.PollInterval, defaultPollInterval),
		logger:   logger,
	}
}

// Start launches the poll loop. A disabled config is a no-op, not an
// error, so wiring stays unconditional.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Enabled {
		s.logger.Debug().Msg("IMAP intake disabled")
		return nil
	}
	if s.cancel != nil {
		return apperrors.New(apperrors.KindInvalidState, "intake poller already running").
			WithOperation("intake.start")
	}
	if s.config.Server == "" || s.config.Username == "" {
		return apperrors.New(apperrors.KindValidationFailed, "imap server and username are required").
			WithOperation("intake.start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info().
		Str("server", s.config.Server).
		Str("folder", s.config.Folder).
		Str("interval", s.interval.String()).
		Msg("IMAP intake poller started")
	return nil
}

// Stop halts the poll loop and waits for the current cycle to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info().Msg("IMAP intake poller stopped")
	return nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("Intake poll failed")
		} else if n > 0 {
			s.logger.Info().Int("jobs", n).Msg("Intake poll submitted parsing jobs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs one intake cycle and returns the number of parsing jobs
// submitted.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.KindTimeout, "poll cancelled").
			WithOperation("intake.poll")
	}

	conn, err := dialMailbox(s.config.Server, s.config.Username, s.config.Password, s.logger)
	if err != nil {
		return 0, err
	}
	defer conn.close()

	messages, err := conn.fetchUnseen(s.config.Folder)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for i := range messages {
		msg := &messages[i]
		n, err := s.processMessage(ctx, msg)
		submitted += n
		if err != nil {
			// Left unseen: the next poll retries it and the external
			// ids absorb any partial submission
			s.logger.Warn().
				Err(err).
				Str("subject", msg.Subject).
				Msg("Failed to process inbound mail")
			continue
		}
		if err := conn.markSeen(msg.SeqNum); err != nil {
			s.logger.Warn().Err(err).Int64("seq", int64(msg.SeqNum)).Msg("Failed to mark mail as seen")
		}
	}
	return submitted, nil
}

// processMessage stores each supported attachment and submits one
// parsing job per file.
func (s *Service) processMessage(ctx context.Context, msg *inboundMessage) (int, error) {
	submitted := 0
	for _, att := range msg.Attachments {
		fileType, ok := attachmentFileType(att.FileName)
		if !ok {
			s.logger.Debug().Str("file", att.FileName).Msg("Skipping unsupported attachment")
			continue
		}
		if len(att.Data) == 0 {
			continue
		}

		externalID := externalIDFor(msg, att.FileName)

		// Deterministic key: a redelivered mail overwrites its own
		// document instead of orphaning a fresh copy next to the
		// replayed job
		doc := &models.StoredDocument{
			Key:         "doc-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(externalID)).String(),
			Name:        att.FileName,
			ContentType: contentTypeFor(fileType),
			OwnerID:     s.ownerID,
			Data:        att.Data,
		}
		if err := s.storage.Documents().PutDocument(ctx, doc); err != nil {
			return submitted, err
		}

		job, err := s.parsing.Submit(ctx, &interfaces.SubmitRequest{
			OwnerID:    s.ownerID,
			ExternalID: externalID,
			Payload: map[string]interface{}{
				"storageKey": doc.Key,
				"fileType":   fileType,
			},
		})
		if err != nil {
			if apperrors.Is(err, apperrors.KindValidationFailed) {
				s.logger.Warn().Err(err).Str("file", att.FileName).Msg("Skipping invalid attachment")
				continue
			}
			return submitted, err
		}
		submitted++

		s.logger.Info().
			Str("job_id", job.ID).
			Str("file", att.FileName).
			Str("from", msg.From).
			Msg("Inbox attachment submitted for parsing")
	}
	return submitted, nil
}

// attachmentFileType maps an attachment name onto a parsing file type
func attachmentFileType(fileName string) (string, bool) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return parsing.FileTypePDF, true
	case ".html", ".htm":
		return parsing.FileTypeHTML, true
	case ".md", ".markdown", ".txt":
		return parsing.FileTypeMarkdown, true
	}
	return "", false
}

func contentTypeFor(fileType string) string {
	switch fileType {
	case parsing.FileTypePDF:
		return "application/pdf"
	case parsing.FileTypeHTML:
		return "text/html"
	default:
		return "text/markdown"
	}
}

// externalIDFor keys a mail attachment for replay protection. Falls back
// to sender and subject when the mail carries no Message-Id.
func externalIDFor(msg *inboundMessage, fileName string) string {
	base := msg.MessageID
	if base == "" {
		base = msg.From + "/" + msg.Subject
	}
	return fmt.Sprintf("imap:%s:%s", base, fileName)
}
