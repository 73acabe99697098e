package policy

import (
	"regexp"
	"strings"
)

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Normalize canonicalizes a free-form action string to "verb:noun".
//
// Accepted input shapes:
//
//	"read:file"   -> "read:file"
//	"read file"   -> "read:file"
//	"Read File"   -> "read:file"
//	"readFile"    -> "read:file"
//	"read-file"   -> "read:file"
//	"read_file"   -> "read:file"
//	"read"        -> "read:*"    (bare verb matches any noun)
//	"delete *"    -> "delete:*"
//
// Multi-word nouns join with underscores: "send email notification"
// becomes "send:email_notification". Normalize is idempotent.
func Normalize(raw string) string {
	action := strings.TrimSpace(raw)
	if action == "" {
		return ""
	}

	// Already verb:noun, lowercase only.
	if strings.Contains(action, ":") {
		return strings.ToLower(action)
	}

	// Split camelCase before lowercasing: "readFile" -> "read File".
	action = camelBoundary.ReplaceAllString(action, "$1 $2")
	action = strings.ToLower(action)
	action = strings.ReplaceAll(action, "-", " ")
	action = strings.ReplaceAll(action, "_", " ")

	parts := strings.Fields(action)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		if parts[0] == "*" {
			return "*"
		}
		return parts[0] + ":*"
	default:
		return parts[0] + ":" + strings.Join(parts[1:], "_")
	}
}
