// Package render holds the contracts for document rendering collaborators.
// The service exposes routes for them, but ships no implementation; a
// deployment supplies one by passing it to the REST gateway.
package render

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

type (
	// TemplateRenderer substitutes the values of context in to the
	// placeholders of a template document, returning the rendered document.
	TemplateRenderer interface {
		RenderTemplate(ctx context.Context, template []byte, values map[string]string) ([]byte, error)
	}

	// BlockRepeater expands every block of a template document delimited
	// by the BlockStart and BlockEnd markers in to 'count' consecutive
	// copies, numbering each copy's phase placeholder from 1. The markers
	// are removed and any other placeholders are left intact.
	BlockRepeater interface {
		RepeatBlocks(ctx context.Context, template []byte, count int) ([]byte, error)
	}

	// HTMLRenderer rasterises an HTML document to a PNG image.
	HTMLRenderer interface {
		RenderHTMLToImage(ctx context.Context, html string) ([]byte, error)
	}
)

const (
	BlockStart       = "[[INI_BLOQUE]]"
	BlockEnd         = "[[FIN_BLOQUE]]"
	PhasePlaceholder = "Fase xx"
)

var (
	placeholderDelims = regexp.MustCompile(`^\{\{\s*|\s*\}\}$`)
	unsafeFilename    = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// TemplateContext converts client supplied replacements, whose keys may be
// written as "{{name}}", in to the bare-key context used for rendering.
func TemplateContext(replacements map[string]string) map[string]string {
	out := make(map[string]string, len(replacements))
	for k, v := range replacements {
		out[strings.TrimSpace(placeholderDelims.ReplaceAllString(k, ""))] = v
	}

	return out
}

// SafeFilename reduces name to ASCII letters, digits, '_', '.' and '-',
// decomposing accented characters to their base letter first.
func SafeFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}

	return unsafeFilename.ReplaceAllString(b.String(), "_")
}
