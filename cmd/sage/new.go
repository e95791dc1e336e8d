package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const newConfig = `# Sage configuration
# Generated by: sage --new

server:
  host: localhost
  port: 8080
  script_timeout: 30s

root: ./site
init: init.js
last_resort: /404.sage

templates:
  extension: .sage
  cache: true

kv:
  driver: bolt
  addr: ./data/site.db

logging:
  level: info
  format: text
`

const newGitignore = `data/
*.db
*.log
`

var newSiteFiles = map[string]string{
	"init.js": `// Runs once before the first request. Variables declared here are
// visible to every page.
var siteName = "Sage";
`,
	"index.sage": `<%@ parts/header.inc %>
<p>Served <%? redis("INCR", "hits") %> time(s).</p>
</body>
</html>
`,
	"404.sage": `<% http_status_put(404) %><%@ parts/header.inc %>
<p>Nothing here.</p>
</body>
</html>
`,
	"parts/header.inc": `<!DOCTYPE html>
<html>
<head><title><%? siteName %></title></head>
<body>
<h1>Hello from <%? siteName %></h1>
`,
}

// runNewCommand creates a site skeleton in folder, which must not exist
// or be empty.
func runNewCommand(folder string, stdout io.Writer) error {
	absPath, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s is a file, not a folder", folder)
	case err == nil:
		entries, err := os.ReadDir(absPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", folder, err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%s is not empty", folder)
		}
	case !os.IsNotExist(err):
		return err
	}

	if err := os.MkdirAll(filepath.Join(absPath, "data"), 0755); err != nil {
		return fmt.Errorf("creating folders: %w", err)
	}

	files := map[string]string{
		"sage.yaml":  newConfig,
		".gitignore": newGitignore,
	}
	for name, content := range newSiteFiles {
		files[filepath.Join("site", filepath.FromSlash(name))] = content
	}
	for name, content := range files {
		path := filepath.Join(absPath, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating folders: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	fmt.Fprintf(stdout, "Created new Sage site in %s\n\n", folder)
	fmt.Fprintf(stdout, "Get started:\n")
	fmt.Fprintf(stdout, "  cd %s\n", folder)
	fmt.Fprintf(stdout, "  sage --dev\n")
	return nil
}
