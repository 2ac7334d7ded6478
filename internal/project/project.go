// Package project holds project records and their on-disk workspaces.
package project

import (
	"regexp"
	"strings"
	"time"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// Project is a named workspace owned by one user. Slugs are unique per owner.
type Project struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"user_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name, collapses every run of characters outside
// [a-z0-9] into a single '-', and trims leading and trailing dashes.
func Slugify(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// NewSlug validates a project name and returns its slug.
func NewSlug(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", nwerrors.NewValidationError("name is required").WithField("name")
	}
	slug := Slugify(name)
	if slug == "" {
		return "", nwerrors.NewValidationError("name must contain a letter or digit").
			WithField("name").
			WithValue(name)
	}
	return slug, nil
}
