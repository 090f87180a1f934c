package common

import (
	"errors"
	"os"
	"os/user"
	"regexp"
	"strings"
)

var (
	ErrEmptySlug = errors.New("slug cannot be empty")
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
)

func Slugify(input, fallback string) (string, error) {
	slug := slugify(input)
	if slug == "" {
		slug = slugify(fallback)
	}
	if slug == "" {
		return "", ErrEmptySlug
	}
	return slug, nil
}

func slugify(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	slug := nonSlugChars.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

// UserSlug returns the current OS user name made safe for use in file
// names. $USER is consulted when the user database is unavailable.
func UserSlug() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	slug, err := Slugify(name, "user")
	if err != nil {
		return "user"
	}
	return slug
}

// ExpandUser substitutes every {user} placeholder in template.
func ExpandUser(template, userSlug string) string {
	return strings.ReplaceAll(template, "{user}", userSlug)
}
