// -----------------------------------------------------------------------
// Extractor - Text extraction from PDF résumés via pdfcpu
// -----------------------------------------------------------------------

package parsing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cvforge/internal/apperrors"
)

// Extractor pulls text content out of PDF bytes. pdfcpu works on files,
// so each extraction round-trips through a scratch directory; names carry
// a random suffix because several workers extract concurrently.
type Extractor struct {
	logger  arbor.ILogger
	tempDir string
}

// NewExtractor creates a PDF extractor using the given scratch directory,
// or the OS temp directory when empty.
func NewExtractor(tempDir string, logger arbor.ILogger) *Extractor {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "cvforge-parsing")
	}
	os.MkdirAll(tempDir, 0755)

	return &Extractor{
		logger:  logger,
		tempDir: tempDir,
	}
}

// ExtractText extracts the text of every page, stitched in page order.
// Returns the text and the page count. A PDF with no text layer (a
// scanned image) yields an empty string and no error; the caller decides
// what that means.
func (e *Extractor) ExtractText(ctx context.Context, data []byte) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.KindTimeout, "extraction cancelled").WithOperation("parsing.extract")
	}

	token := uuid.New().String()[:8]
	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("extract_%s.pdf", token))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.KindDomainFailure, "failed to write scratch PDF").WithOperation("parsing.extract")
	}
	defer os.Remove(tempFile)

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.KindValidationFailed, "not a readable PDF").
			WithOperation("parsing.extract").
			WithCode("INVALID_PDF")
	}
	pageCount := pdfCtx.PageCount

	if err := ctx.Err(); err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.KindTimeout, "extraction cancelled").WithOperation("parsing.extract")
	}

	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%s", token))
	os.MkdirAll(outDir, 0755)
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		e.logger.Warn().Err(err).Msg("PDF content extraction failed, document has no recoverable text")
		return "", pageCount, nil
	}

	// Extracted content lands as one file per page; the filename carries
	// the page number
	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
			continue
		}
		if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		text := strings.TrimSpace(pageTexts[pageNum])
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(fmt.Sprintf("\n\n--- Page %d ---\n\n", pageNum))
		}
		builder.WriteString(text)
	}

	return builder.String(), pageCount, nil
}
