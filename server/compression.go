package server

import (
	"compress/gzip"
	"mime"
	"net/http"
	"slices"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sambeau/sage/config"
)

var compressionLevels = map[string]int{
	"fastest": gzip.BestSpeed,
	"default": gzip.DefaultCompression,
	"best":    gzip.BestCompression,
}

// newCompressionHandler gzips page and file responses. Content that is
// already compressed, such as images or archives sent with http-file-put,
// goes out as is, and so do the media types listed in SkipTypes.
func newCompressionHandler(h http.Handler, cfg config.CompressionConfig) http.Handler {
	level, ok := compressionLevels[cfg.Level]
	if !cfg.Enabled || cfg.Level == "none" {
		return h
	}
	if !ok {
		level = gzip.DefaultCompression
	}

	wrapper, err := gzhttp.NewWrapper(
		gzhttp.MinSize(cfg.MinSize),
		gzhttp.CompressionLevel(level),
		gzhttp.ContentTypeFilter(compressible(cfg.SkipTypes)),
	)
	if err != nil {
		return h
	}
	return wrapper(h)
}

// compressible reports whether a response of content type ct is worth
// compressing.
func compressible(skip []string) func(ct string) bool {
	return func(ct string) bool {
		if !gzhttp.DefaultContentTypeFilter(ct) {
			return false
		}
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return true
		}
		return !slices.Contains(skip, mediaType)
	}
}
