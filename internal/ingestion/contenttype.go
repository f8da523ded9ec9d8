package ingestion

import (
	"mime"
	"net/url"
	"path/filepath"
	"strings"
)

// extContentTypes maps file extensions to the content-type labels stored on
// documents. The chunker treats text/markdown specially; the rest are used
// for filtering.
var extContentTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".mdx":      "text/markdown",
	".txt":      "text/plain",
	".rst":      "text/x-rst",
	".adoc":     "text/asciidoc",
	".html":     "text/html",
	".htm":      "text/html",
	".go":       "text/x-go",
	".py":       "text/x-python",
	".js":       "text/javascript",
	".ts":       "text/typescript",
	".tsx":      "text/typescript",
	".java":     "text/x-java",
	".rs":       "text/x-rust",
	".c":        "text/x-c",
	".h":        "text/x-c",
	".cpp":      "text/x-c++",
	".sh":       "text/x-shellscript",
	".sql":      "text/x-sql",
	".tf":       "text/x-terraform",
	".tfvars":   "text/x-terraform",
	".hcl":      "text/x-hcl",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".json":     "application/json",
	".toml":     "application/toml",
	".xml":      "application/xml",
	".csv":      "text/csv",
}

// knownFileNames maps extension-less file names to content types.
var knownFileNames = map[string]string{
	"readme":     "text/plain",
	"license":    "text/plain",
	"makefile":   "text/x-makefile",
	"dockerfile": "text/x-dockerfile",
}

// InferContentType returns the content type for a file path or URL, judged
// by its extension or well-known file name. Unknown inputs are text/plain.
func InferContentType(pathOrURL string) string {
	p := pathOrURL
	if IsURL(pathOrURL) {
		if parsed, err := url.Parse(pathOrURL); err == nil {
			p = parsed.Path
		}
	}
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(p))]; ok {
		return ct
	}
	if ct := knownFileNames[strings.ToLower(filepath.Base(p))]; ct != "" {
		return ct
	}
	return "text/plain"
}

// ContentTypeFromHeader extracts the media type from an HTTP Content-Type
// header, dropping parameters such as charset. Malformed headers yield "".
func ContentTypeFromHeader(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
