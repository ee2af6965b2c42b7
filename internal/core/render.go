package core

import (
	"strings"

	"github.com/goosewin/promptmatrix/internal/backend"
)

// Render applies the variant to the system and user text. Substitutions run
// in order as literal replacements, so a value containing a later marker is
// rewritten by that marker's substitution.
func Render(system, user string, v Variant) backend.Entry {
	for _, sub := range v {
		if sub.Marker == "" {
			continue
		}
		system = strings.ReplaceAll(system, sub.Marker, sub.Value)
		user = strings.ReplaceAll(user, sub.Marker, sub.Value)
	}
	return backend.Entry{System: system, User: user}
}
