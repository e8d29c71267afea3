// -----------------------------------------------------------------------
// GitHub profile - Imported developer profile used to enrich enhancement
// -----------------------------------------------------------------------

package models

import "time"

// GitHubRepo is one public repository of an imported profile
type GitHubRepo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Stars       int       `json:"stars"`
	Forks       int       `json:"forks"`
	Topics      []string  `json:"topics,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GitHubProfile is the slice of a GitHub account relevant to a résumé:
// identity, public repositories and the aggregated language footprint.
type GitHubProfile struct {
	Login       string         `json:"login"`
	Name        string         `json:"name,omitempty"`
	Bio         string         `json:"bio,omitempty"`
	Company     string         `json:"company,omitempty"`
	Location    string         `json:"location,omitempty"`
	Blog        string         `json:"blog,omitempty"`
	PublicRepos int            `json:"publicRepos"`
	Followers   int            `json:"followers"`
	Repos       []GitHubRepo   `json:"repos,omitempty"`
	Languages   map[string]int `json:"languages,omitempty"` // language -> repo count
	FetchedAt   time.Time      `json:"fetchedAt"`
}
