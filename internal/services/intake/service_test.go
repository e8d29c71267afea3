package intake

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
	"github.com/ternarybob/cvforge/internal/common"
	"github.com/ternarybob/cvforge/internal/interfaces"
	"github.com/ternarybob/cvforge/internal/models"
	"github.com/ternarybob/cvforge/internal/services/parsing"
	badgerstore "github.com/ternarybob/cvforge/internal/storage/badger"
)

// stubParsing records submissions from the poller
type stubParsing struct {
	mu      sync.Mutex
	submits []*interfaces.SubmitRequest
	err     error
}

func (p *stubParsing) Domain() models.JobType { return models.JobTypeParsing }

func (p *stubParsing) Submit(ctx context.Context, req *interfaces.SubmitRequest) (*models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.submits = append(p.submits, req)
	return &models.Job{ID: "job-parse", Type: models.JobTypeParsing, ExternalID: req.ExternalID}, nil
}

func (p *stubParsing) Process(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	return nil, nil
}

func (p *stubParsing) OnFinalFailure(ctx context.Context, job *models.Job, cause error) {}

var _ interfaces.DomainService = (*stubParsing)(nil)

type intakeEnv struct {
	svc     *Service
	storage *badgerstore.Manager
	parsing *stubParsing
}

func newIntakeEnv(t *testing.T, config *common.IMAPConfig) *intakeEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	parsingSvc := &stubParsing{}
	return &intakeEnv{
		svc:     NewService(storage, parsingSvc, config, logger),
		storage: storage,
		parsing: parsingSvc,
	}
}

func resumeMail() *inboundMessage {
	return &inboundMessage{
		SeqNum:    7,
		MessageID: "<msg-1@mail.example>",
		From:      "jane@example.com",
		Subject:   "Application: Jane Smith",
		Attachments: []attachment{
			{FileName: "resume.pdf", Data: []byte("%PDF-1.4 fake")},
			{FileName: "notes.txt", Data: []byte("Plain text resume")},
			{FileName: "photo.jpg", Data: []byte{0xFF, 0xD8}},
		},
	}
}

func TestProcessMessageSubmitsParsingJobs(t *testing.T) {
	env := newIntakeEnv(t, nil)
	ctx := context.Background()

	n, err := env.svc.processMessage(ctx, resumeMail())
	if err != nil {
		t.Fatalf("processMessage failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Submitted = %d, want 2 (jpg must be skipped)", n)
	}

	first := env.parsing.submits[0]
	if first.OwnerID != "intake" {
		t.Errorf("Owner = %q, want the intake default", first.OwnerID)
	}
	if first.ExternalID != "imap:<msg-1@mail.example>:resume.pdf" {
		t.Errorf("ExternalID = %q", first.ExternalID)
	}
	if ft, _ := first.Payload["fileType"].(string); ft != parsing.FileTypePDF {
		t.Errorf("First fileType = %q, want pdf", ft)
	}
	if ft, _ := env.parsing.submits[1].Payload["fileType"].(string); ft != parsing.FileTypeMarkdown {
		t.Errorf("Second fileType = %q, want markdown", ft)
	}

	storageKey, _ := first.Payload["storageKey"].(string)
	if !strings.HasPrefix(storageKey, "doc-") {
		t.Fatalf("storageKey = %q", storageKey)
	}
	doc, err := env.storage.Documents().GetDocument(ctx, storageKey)
	if err != nil {
		t.Fatalf("Attachment should be stored before submission: %v", err)
	}
	if doc.ContentType != "application/pdf" {
		t.Errorf("Stored content type = %q", doc.ContentType)
	}
	if doc.Name != "resume.pdf" {
		t.Errorf("Stored name = %q", doc.Name)
	}
}

func TestProcessMessageRedeliveryReusesDocumentKeys(t *testing.T) {
	env := newIntakeEnv(t, nil)
	ctx := context.Background()

	if _, err := env.svc.processMessage(ctx, resumeMail()); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	if _, err := env.svc.processMessage(ctx, resumeMail()); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}

	firstKey, _ := env.parsing.submits[0].Payload["storageKey"].(string)
	replayKey, _ := env.parsing.submits[2].Payload["storageKey"].(string)
	if firstKey != replayKey {
		t.Errorf("Redelivered attachment should keep its key: %q vs %q", firstKey, replayKey)
	}

	docs, err := env.storage.Documents().ListDocumentsByOwner(ctx, "intake", 0)
	if err != nil {
		t.Fatalf("ListDocumentsByOwner failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("Redelivery must not orphan copies, got %d documents", len(docs))
	}
}

func TestProcessMessageConfiguredOwner(t *testing.T) {
	env := newIntakeEnv(t, &common.IMAPConfig{OwnerID: "inbox-bot"})
	ctx := context.Background()

	if _, err := env.svc.processMessage(ctx, resumeMail()); err != nil {
		t.Fatalf("processMessage failed: %v", err)
	}
	if owner := env.parsing.submits[0].OwnerID; owner != "inbox-bot" {
		t.Errorf("Owner = %q, want inbox-bot", owner)
	}
}

func TestAttachmentFileType(t *testing.T) {
	cases := []struct {
		fileName string
		fileType string
		ok       bool
	}{
		{"resume.pdf", parsing.FileTypePDF, true},
		{"Resume.PDF", parsing.FileTypePDF, true},
		{"cv.html", parsing.FileTypeHTML, true},
		{"cv.htm", parsing.FileTypeHTML, true},
		{"cv.md", parsing.FileTypeMarkdown, true},
		{"cv.txt", parsing.FileTypeMarkdown, true},
		{"headshot.png", "", false},
		{"archive.zip", "", false},
		{"noextension", "", false},
	}
	for _, tc := range cases {
		got, ok := attachmentFileType(tc.fileName)
		if got != tc.fileType || ok != tc.ok {
			t.Errorf("attachmentFileType(%q) = (%q, %v), want (%q, %v)", tc.fileName, got, ok, tc.fileType, tc.ok)
		}
	}
}

func TestExternalIDFallsBackWithoutMessageID(t *testing.T) {
	msg := &inboundMessage{From: "jane@example.com", Subject: "CV"}
	id := externalIDFor(msg, "resume.pdf")
	if id != "imap:jane@example.com/CV:resume.pdf" {
		t.Errorf("ExternalID = %q", id)
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	env := newIntakeEnv(t, &common.IMAPConfig{Enabled: false})

	if err := env.svc.Start(); err != nil {
		t.Fatalf("Disabled intake should start as a no-op: %v", err)
	}
	if err := env.svc.Stop(); err != nil {
		t.Fatalf("Stop on idle poller failed: %v", err)
	}
}

func TestStartRequiresServer(t *testing.T) {
	env := newIntakeEnv(t, &common.IMAPConfig{Enabled: true})

	err := env.svc.Start()
	if !apperrors.Is(err, apperrors.KindValidationFailed) {
		t.Fatalf("Expected validation error without a server, got %v", err)
	}
}

func TestPollOnceCancelledContext(t *testing.T) {
	env := newIntakeEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.PollOnce(ctx)
	if !apperrors.Is(err, apperrors.KindTimeout) {
		t.Fatalf("Expected timeout kind for cancelled poll, got %v", err)
	}
}
