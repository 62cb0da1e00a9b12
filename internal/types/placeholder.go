package types

import "fmt"

// Placeholder is the typed token that replaces a concrete reference in
// abstracted content. Two placeholders with identical (Kind, Name) within
// one artifact MUST render identically — that is the I4 consistency
// invariant — which is why Generator (internal/abstract) keys its
// per-artifact table on exactly this pair.
type Placeholder struct {
	Kind            ReferenceKind
	Name            string
	OccurrenceIndex int
}

// Render formats the placeholder per the given syntax template, a string
// containing the literal substring "{kind}" (replaced with Kind, optionally
// suffixed "_name" for named/indexed placeholders beyond the first of a
// kind). The default syntax is "<{kind}>".
func (p Placeholder) Render(syntax string) string {
	body := string(p.Kind)
	if p.Name != "" {
		body = fmt.Sprintf("%s_%s", body, p.Name)
	}
	rendered := ""
	for i := 0; i < len(syntax); i++ {
		if i+6 <= len(syntax) && syntax[i:i+6] == "{kind}" {
			rendered += body
			i += 5
			continue
		}
		rendered += string(syntax[i])
	}
	return rendered
}
