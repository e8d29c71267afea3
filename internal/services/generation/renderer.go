// -----------------------------------------------------------------------
// FpdfRenderer - Résumé markdown to PDF via goldmark AST layout
// -----------------------------------------------------------------------

package generation

import (
	"bytes"
	"context"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/cvforge/internal/apperrors"
)

// Renderer turns résumé markdown into a finished PDF
type Renderer interface {
	Name() string
	Render(ctx context.Context, markdown, title string) ([]byte, error)
}

const (
	bodyFont  = "Helvetica"
	bodySize  = 10.0
	lineHt    = 5.0
	pageLeft  = 15.0
	pageRight = 195.0
)

// FpdfRenderer walks the goldmark AST and lays text out directly with
// fpdf core fonts. No browser, no template assets to ship.
type FpdfRenderer struct {
	logger arbor.ILogger
}

var _ Renderer = (*FpdfRenderer)(nil)

// NewFpdfRenderer creates the native PDF renderer
func NewFpdfRenderer(logger arbor.ILogger) *FpdfRenderer {
	return &FpdfRenderer{logger: logger}
}

func (r *FpdfRenderer) Name() string { return "fpdf" }

// Render converts markdown to A4 PDF bytes
func (r *FpdfRenderer) Render(ctx context.Context, markdown, title string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTimeout, "render cancelled").
			WithOperation("generation.render")
	}

	markdown = stripFrontmatter(markdown)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetMargins(pageLeft, 15, pageLeft)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	pdf.SetFont(bodyFont, "", bodySize)

	md := goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
	)
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	layout := &resumeLayout{
		pdf:    pdf,
		source: source,
		// Core fonts are cp1252; candidate names carry accents
		tr: pdf.UnicodeTranslatorFromDescriptor(""),
	}
	if err := ast.Walk(doc, layout.walk); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "markdown layout failed").
			WithOperation("generation.render").
			WithRetryable(false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDomainFailure, "pdf output failed").
			WithOperation("generation.render").
			WithRetryable(false)
	}

	r.logger.Debug().
		Int("markdown_chars", len(markdown)).
		Int("pdf_bytes", buf.Len()).
		Msg("Résumé rendered")
	return buf.Bytes(), nil
}

// resumeLayout carries the walker state for one document
type resumeLayout struct {
	pdf       *fpdf.Fpdf
	source    []byte
	tr        func(string) string
	bold      bool
	italic    bool
	listLevel int
}

func (l *resumeLayout) restoreFont() {
	style := ""
	if l.bold {
		style += "B"
	}
	if l.italic {
		style += "I"
	}
	l.pdf.SetFont(bodyFont, style, bodySize)
}

func (l *resumeLayout) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n.Kind() {
	case ast.KindHeading:
		return l.heading(n.(*ast.Heading), entering)
	case ast.KindParagraph:
		if !entering {
			l.pdf.Ln(6)
		}
	case ast.KindText:
		if entering {
			t := n.(*ast.Text)
			l.pdf.Write(lineHt, l.tr(string(t.Text(l.source))))
			if t.HardLineBreak() {
				l.pdf.Ln(lineHt)
			} else if t.SoftLineBreak() {
				l.pdf.Write(lineHt, " ")
			}
		}
	case ast.KindEmphasis:
		em := n.(*ast.Emphasis)
		if em.Level == 2 {
			l.bold = entering
		} else {
			l.italic = entering
		}
		l.restoreFont()
	case ast.KindLink:
		return l.link(n.(*ast.Link), entering)
	case ast.KindAutoLink:
		return l.autoLink(n.(*ast.AutoLink), entering)
	case ast.KindCodeSpan:
		return l.codeSpan(n.(*ast.CodeSpan), entering)
	case ast.KindFencedCodeBlock:
		if entering {
			l.codeBlock(n.(*ast.FencedCodeBlock).Lines())
			return ast.WalkSkipChildren, nil
		}
	case ast.KindCodeBlock:
		if entering {
			l.codeBlock(n.(*ast.CodeBlock).Lines())
			return ast.WalkSkipChildren, nil
		}
	case ast.KindList:
		if entering {
			l.listLevel++
		} else {
			l.listLevel--
			if l.listLevel == 0 {
				l.pdf.Ln(3)
			}
		}
	case ast.KindListItem:
		if entering {
			l.pdf.Ln(lineHt)
			l.pdf.SetX(pageLeft + float64(l.listLevel)*4)
			l.pdf.Write(lineHt, l.tr("• "))
		}
	case ast.KindThematicBreak:
		if entering {
			l.pdf.Ln(3)
			l.pdf.SetDrawColor(150, 150, 150)
			l.pdf.Line(pageLeft, l.pdf.GetY(), pageRight, l.pdf.GetY())
			l.pdf.SetDrawColor(0, 0, 0)
			l.pdf.Ln(4)
		}
	case extast.KindTable:
		if entering {
			l.table(n.(*extast.Table))
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

// heading sizes follow the résumé convention: H1 is the candidate name,
// H2 are ruled section headings.
func (l *resumeLayout) heading(n *ast.Heading, entering bool) (ast.WalkStatus, error) {
	if entering {
		size := 10.5
		switch n.Level {
		case 1:
			size = 17
			l.pdf.Ln(2)
		case 2:
			size = 12.5
			l.pdf.Ln(5)
		case 3:
			size = 11
			l.pdf.Ln(4)
		default:
			l.pdf.Ln(4)
		}
		l.pdf.SetFont(bodyFont, "B", size)
		return ast.WalkContinue, nil
	}

	if n.Level == 2 {
		l.pdf.Ln(6)
		y := l.pdf.GetY()
		l.pdf.SetDrawColor(90, 90, 90)
		l.pdf.SetLineWidth(0.4)
		l.pdf.Line(pageLeft, y, pageRight, y)
		l.pdf.SetLineWidth(0.2)
		l.pdf.SetDrawColor(0, 0, 0)
		l.pdf.Ln(2)
	} else {
		l.pdf.Ln(7)
	}
	l.restoreFont()
	return ast.WalkContinue, nil
}

func (l *resumeLayout) link(n *ast.Link, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	label := string(n.Text(l.source))
	if label == "" {
		label = string(n.Destination)
	}
	l.writeLink(label, string(n.Destination))
	return ast.WalkSkipChildren, nil
}

func (l *resumeLayout) autoLink(n *ast.AutoLink, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	url := string(n.URL(l.source))
	l.writeLink(string(n.Label(l.source)), url)
	return ast.WalkSkipChildren, nil
}

func (l *resumeLayout) writeLink(label, url string) {
	l.pdf.SetTextColor(0, 70, 140)
	l.pdf.WriteLinkString(lineHt, l.tr(label), url)
	l.pdf.SetTextColor(0, 0, 0)
}

func (l *resumeLayout) codeSpan(n *ast.CodeSpan, entering bool) (ast.WalkStatus, error) {
	if entering {
		l.pdf.SetFont("Courier", "", bodySize)
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				l.pdf.Write(lineHt, l.tr(string(t.Segment.Value(l.source))))
			}
		}
	} else {
		l.restoreFont()
	}
	return ast.WalkSkipChildren, nil
}

func (l *resumeLayout) codeBlock(lines *text.Segments) {
	l.pdf.Ln(2)
	l.pdf.SetFont("Courier", "", 9)
	l.pdf.SetFillColor(246, 246, 246)
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		l.pdf.MultiCell(0, 4.5, l.tr(string(seg.Value(l.source))), "", "L", true)
	}
	l.pdf.SetFillColor(255, 255, 255)
	l.restoreFont()
	l.pdf.Ln(2)
}

// table renders a compact equal-width grid. Résumés rarely carry tables,
// so this favors simplicity over measured column sizing.
func (l *resumeLayout) table(n *extast.Table) {
	var rows [][]string
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *extast.TableHeader, *extast.TableRow:
			rows = append(rows, l.rowCells(child))
		}
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}

	l.pdf.Ln(2)
	width := (pageRight - pageLeft) / float64(len(rows[0]))
	for i, row := range rows {
		if i == 0 {
			l.pdf.SetFont(bodyFont, "B", 8.5)
			l.pdf.SetFillColor(235, 235, 235)
		} else {
			l.pdf.SetFont(bodyFont, "", 8.5)
			l.pdf.SetFillColor(255, 255, 255)
		}
		l.pdf.SetX(pageLeft)
		for _, cell := range row {
			l.pdf.CellFormat(width, 6, l.tr(cell), "1", 0, "L", i == 0, 0, "")
		}
		l.pdf.Ln(6)
	}
	l.restoreFont()
	l.pdf.Ln(2)
}

func (l *resumeLayout) rowCells(row ast.Node) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if _, ok := cell.(*extast.TableCell); ok {
			cells = append(cells, string(cell.Text(l.source)))
		}
	}
	return cells
}

// stripFrontmatter removes a leading YAML block so intake metadata never
// lands in the rendered document
func stripFrontmatter(markdown string) string {
	if !strings.HasPrefix(markdown, "---\n") {
		return markdown
	}
	endIdx := strings.Index(markdown[4:], "\n---\n")
	if endIdx == -1 {
		return markdown
	}
	return strings.TrimSpace(markdown[4+endIdx+5:])
}
