// -----------------------------------------------------------------------
// ChromeRenderer - Headless-browser HTML to PDF rendering
// -----------------------------------------------------------------------

package generation

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ternarybob/cvforge/internal/apperrors"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>%s</style>
</head>
<body>%s</body>
</html>`

// resumeCSS styles the print path. Inline so the binary ships no asset
// files.
const resumeCSS = `
body { font-family: "Helvetica Neue", Arial, sans-serif; font-size: 10.5pt; color: #1a1a1a; line-height: 1.45; }
h1 { font-size: 20pt; margin: 0 0 2pt; }
h2 { font-size: 13pt; border-bottom: 1px solid #888; padding-bottom: 2pt; margin: 14pt 0 6pt; }
h3 { font-size: 11pt; margin: 10pt 0 4pt; }
ul { margin: 4pt 0; padding-left: 16pt; }
li { margin-bottom: 2pt; }
a { color: #004a8c; text-decoration: none; }
table { border-collapse: collapse; width: 100%; font-size: 9pt; }
th, td { border: 1px solid #bbb; padding: 3pt 5pt; text-align: left; }
th { background: #eee; }
code { font-family: "Courier New", monospace; background: #f4f4f4; padding: 0 2pt; }
`

// ChromeRenderer prints goldmark HTML through headless Chrome. Heavier
// than the fpdf path but faithful to real browser layout.
type ChromeRenderer struct {
	pool   *browserPool
	logger arbor.ILogger
}

var _ Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer starts the browser pool eagerly so a missing Chrome
// install fails at wiring time, not on the first job.
func NewChromeRenderer(workers int, logger arbor.ILogger) (*ChromeRenderer, error) {
	if workers <= 0 {
		workers = 2
	}
	pool, err := newBrowserPool(workers, logger)
	if err != nil {
		return nil, err
	}
	return &ChromeRenderer{pool: pool, logger: logger}, nil
}

func (r *ChromeRenderer) Name() string { return "chrome" }

// Close shuts the browser pool down
func (r *ChromeRenderer) Close() {
	r.pool.shutdown()
}

// Render converts markdown to HTML and prints it to A4 PDF
func (r *ChromeRenderer) Render(ctx context.Context, markdown, title string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTimeout, "render cancelled").
			WithOperation("generation.chrome")
	}
	doc, err := resumeHTML(markdown, title)
	if err != nil {
		return nil, err
	}

	browserCtx, release, err := r.pool.acquire()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "no browser available").
			WithOperation("generation.chrome").
			WithRetryable(true)
	}
	defer release()

	// Each render gets its own tab; the deadline comes from the caller
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(err, apperrors.KindTimeout, "chrome render timed out").
				WithOperation("generation.chrome")
		}
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "chrome render failed").
			WithOperation("generation.chrome").
			WithRetryable(true)
	}

	r.logger.Debug().
		Int("markdown_chars", len(markdown)).
		Int("pdf_bytes", len(pdf)).
		Msg("Résumé rendered via chrome")
	return pdf, nil
}

// resumeHTML converts markdown to a standalone print-ready page
func resumeHTML(markdown, title string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
	)
	var body bytes.Buffer
	if err := md.Convert([]byte(stripFrontmatter(markdown)), &body); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindDomainFailure, "markdown conversion failed").
			WithOperation("generation.chrome").
			WithRetryable(false)
	}
	return fmt.Sprintf(pageTemplate, html.EscapeString(title), resumeCSS, body.String()), nil
}

// browserPool keeps a fixed set of warm Chrome processes and hands them
// out round-robin. Tabs are created per render; the pooled contexts only
// hold the browser processes open.
type browserPool struct {
	mu       sync.Mutex
	browsers []context.Context
	cancels  []context.CancelFunc
	next     int
	logger   arbor.ILogger
}

func newBrowserPool(size int, logger arbor.ILogger) (*browserPool, error) {
	p := &browserPool{logger: logger}
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	for i := 0; i < size; i++ {
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

		// Launch now so a broken install surfaces here
		startCtx, cancelStart := context.WithTimeout(browserCtx, 30*time.Second)
		err := chromedp.Run(startCtx, chromedp.Navigate("about:blank"))
		cancelStart()
		if err != nil {
			cancelBrowser()
			cancelAlloc()
			p.shutdown()
			return nil, fmt.Errorf("browser %d failed to start: %w", i, err)
		}

		p.browsers = append(p.browsers, browserCtx)
		p.cancels = append(p.cancels, cancelBrowser, cancelAlloc)
	}

	logger.Info().
		Int("browsers", len(p.browsers)).
		Msg("Chrome render pool started")
	return p, nil
}

func (p *browserPool) acquire() (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.browsers) == 0 {
		return nil, nil, fmt.Errorf("browser pool is closed")
	}
	idx := p.next % len(p.browsers)
	p.next++
	return p.browsers[idx], func() {}, nil
}

func (p *browserPool) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.browsers = nil
	p.cancels = nil
}
