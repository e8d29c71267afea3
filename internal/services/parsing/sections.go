// -----------------------------------------------------------------------
// Section detection - Split résumé text into canonical sections
// -----------------------------------------------------------------------

package parsing

import (
	"math"
	"regexp"
	"strings"
)

// canonicalSections are the sections the platform understands, in the
// order they usually appear. Confidence is measured against this set.
var canonicalSections = []string{"contact", "summary", "experience", "education", "skills"}

// sectionAliases maps the heading variants seen in real résumés to their
// canonical section name. Matching is case-insensitive on the normalized
// heading text.
var sectionAliases = map[string]string{
	"contact":                 "contact",
	"contact information":     "contact",
	"contact details":         "contact",
	"personal details":        "contact",
	"personal information":    "contact",
	"summary":                 "summary",
	"professional summary":    "summary",
	"executive summary":       "summary",
	"profile":                 "summary",
	"professional profile":    "summary",
	"objective":               "summary",
	"career objective":        "summary",
	"about":                   "summary",
	"about me":                "summary",
	"experience":              "experience",
	"work experience":         "experience",
	"professional experience": "experience",
	"relevant experience":     "experience",
	"employment":              "experience",
	"employment history":      "experience",
	"work history":            "experience",
	"career history":          "experience",
	"education":               "education",
	"education and training":  "education",
	"academic background":     "education",
	"academics":               "education",
	"qualifications":          "education",
	"certifications":          "education",
	"skills":                  "skills",
	"technical skills":        "skills",
	"key skills":              "skills",
	"core skills":             "skills",
	"core competencies":       "skills",
	"competencies":            "skills",
	"technologies":            "skills",
	"tech stack":              "skills",
	"areas of expertise":      "skills",
	"expertise":               "skills",
}

var (
	headingPattern = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern   = regexp.MustCompile(`(\+?\d[\d\s().\-]{7,}\d)`)
)

// maxHeadingLen bounds what a bare line can be and still count as a
// heading; real headings are short.
const maxHeadingLen = 48

// detectSections splits résumé text into canonical sections and scores
// how complete the document looks. Headings are recognized as markdown
// headings, short standalone lines matching a known alias, or bold-only
// lines. Contact details without a heading of their own are recovered
// from the preamble by pattern matching.
func detectSections(text string) (map[string]string, float64) {
	sections := make(map[string]string)
	var current string
	var preamble []string
	var body []string

	flush := func() {
		if current == "" {
			return
		}
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if content == "" {
			body = nil
			return
		}
		if existing, ok := sections[current]; ok {
			sections[current] = existing + "\n" + content
		} else {
			sections[current] = content
		}
		body = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if name, ok := headingSection(trimmed); ok {
			flush()
			current = name
			continue
		}
		if current == "" {
			preamble = append(preamble, trimmed)
		} else {
			body = append(body, line)
		}
	}
	flush()

	// Contact details usually sit at the top without a heading
	if _, ok := sections["contact"]; !ok {
		if contact := contactFromPreamble(preamble); contact != "" {
			sections["contact"] = contact
		}
	}

	found := 0
	for _, name := range canonicalSections {
		if _, ok := sections[name]; ok {
			found++
		}
	}
	confidence := float64(found) / float64(len(canonicalSections))
	return sections, math.Round(confidence*100) / 100
}

// headingSection reports whether the line is a section heading and, if
// so, which canonical section it opens.
func headingSection(line string) (string, bool) {
	if line == "" || len(line) > maxHeadingLen+8 {
		return "", false
	}

	title := line
	if m := headingPattern.FindStringSubmatch(line); m != nil {
		title = m[1]
	}
	title = strings.Trim(title, "*_ \t")
	title = strings.TrimSuffix(title, ":")
	title = strings.TrimSpace(title)
	if title == "" || len(title) > maxHeadingLen {
		return "", false
	}

	name, ok := sectionAliases[strings.ToLower(title)]
	if !ok {
		return "", false
	}

	// A bare line only counts when it is visibly a heading: markdown
	// prefix, bold markers, all caps, or a trailing colon
	if !strings.HasPrefix(line, "#") &&
		!strings.HasPrefix(line, "**") &&
		!strings.HasSuffix(line, ":") &&
		line != strings.ToUpper(line) &&
		!strings.EqualFold(line, title) {
		return "", false
	}
	return name, true
}

// contactFromPreamble recovers contact details from the text above the
// first heading when an email or phone number appears there.
func contactFromPreamble(preamble []string) string {
	var lines []string
	matched := false
	for i, line := range preamble {
		if i >= 15 {
			break
		}
		if line == "" {
			continue
		}
		if emailPattern.MatchString(line) || phonePattern.MatchString(line) {
			matched = true
		}
		lines = append(lines, line)
	}
	if !matched {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
