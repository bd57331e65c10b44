package pageserve

import (
	"bytes"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

const mediaTypeHTML = "text/html"

// htmlMinifier shrinks pages behind derived routes, including inline styles and scripts.
type htmlMinifier struct {
	m *minify.M
}

func newHTMLMinifier() *htmlMinifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)
	m.Add(mediaTypeHTML, &html.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	return &htmlMinifier{m: m}
}

// Bytes returns the minified page, or page itself if minification fails.
func (h *htmlMinifier) Bytes(page []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(page))
	if err := h.m.Minify(mediaTypeHTML, &buf, bytes.NewReader(page)); err != nil {
		logger.Warn("HTML minification failed; serving original", "error", err)
		return page
	}
	return buf.Bytes()
}
