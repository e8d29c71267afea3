// -----------------------------------------------------------------------
// Prompt building - Rewrite instructions for the provider
// -----------------------------------------------------------------------

package enhancement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/cvforge/internal/models"
)

// Rewrite tones
const (
	ToneProfessional = "professional"
	ToneConfident    = "confident"
	ToneFriendly     = "friendly"
	ToneFormal       = "formal"
)

// Length targets
const (
	LengthShorter = "shorter"
	LengthSimilar = "similar"
	LengthLonger  = "longer"
)

func validTone(tone string) bool {
	switch tone {
	case ToneProfessional, ToneConfident, ToneFriendly, ToneFormal:
		return true
	}
	return false
}

func validLength(length string) bool {
	switch length {
	case LengthShorter, LengthSimilar, LengthLonger:
		return true
	}
	return false
}

// buildSystemPrompt fixes the rewrite rules: truthfulness, structure
// preservation, and the requested tone and length.
func buildSystemPrompt(tone, length, targetRole string) string {
	var b strings.Builder
	b.WriteString("You are an expert résumé writer. Rewrite the résumé content you are given.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Keep every fact truthful; never invent employers, dates, metrics or credentials.\n")
	b.WriteString("- Preserve the markdown structure and the section headings.\n")
	b.WriteString("- Prefer strong action verbs and keep quantified outcomes the source provides.\n")
	fmt.Fprintf(&b, "- Write in a %s tone.\n", tone)
	switch length {
	case LengthShorter:
		b.WriteString("- Tighten the text to roughly two thirds of its original length.\n")
	case LengthLonger:
		b.WriteString("- Expand thin bullet points using only detail already present in the source.\n")
	default:
		b.WriteString("- Keep roughly the original length.\n")
	}
	if targetRole != "" {
		fmt.Fprintf(&b, "- Slant the emphasis toward a %s role.\n", targetRole)
	}
	b.WriteString("Return only the rewritten markdown with no commentary before or after it.")
	return b.String()
}

// buildUserPrompt assembles the content to rewrite together with the
// optional section restriction and GitHub context.
func buildUserPrompt(markdown string, sections []string, profile *models.GitHubProfile) string {
	var b strings.Builder
	if len(sections) > 0 {
		fmt.Fprintf(&b, "Rewrite only these sections and leave the rest untouched: %s.\n\n", strings.Join(sections, ", "))
	}
	if profile != nil {
		b.WriteString(profileContext(profile))
		b.WriteString("\n")
	}
	b.WriteString("Résumé:\n\n")
	b.WriteString(markdown)
	return b.String()
}

// profileContext condenses an imported GitHub profile into a few prompt
// lines: identity, footprint, top languages and notable repositories.
func profileContext(profile *models.GitHubProfile) string {
	var b strings.Builder
	b.WriteString("The candidate's public GitHub profile, for added context:\n")
	fmt.Fprintf(&b, "- Login: %s", profile.Login)
	if profile.Name != "" {
		fmt.Fprintf(&b, " (%s)", profile.Name)
	}
	b.WriteString("\n")
	if profile.Bio != "" {
		fmt.Fprintf(&b, "- Bio: %s\n", profile.Bio)
	}
	fmt.Fprintf(&b, "- Public repositories: %d, followers: %d\n", profile.PublicRepos, profile.Followers)

	if len(profile.Languages) > 0 {
		langs := make([]string, 0, len(profile.Languages))
		for lang := range profile.Languages {
			langs = append(langs, lang)
		}
		sort.Slice(langs, func(i, j int) bool {
			if profile.Languages[langs[i]] != profile.Languages[langs[j]] {
				return profile.Languages[langs[i]] > profile.Languages[langs[j]]
			}
			return langs[i] < langs[j]
		})
		if len(langs) > 5 {
			langs = langs[:5]
		}
		fmt.Fprintf(&b, "- Main languages: %s\n", strings.Join(langs, ", "))
	}

	for i, repo := range profile.Repos {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "- Repo %s (%s, %d stars): %s\n", repo.Name, repo.Language, repo.Stars, repo.Description)
	}
	return b.String()
}
