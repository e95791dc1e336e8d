package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/template"
)

// DevError holds information about an error to display in dev mode.
type DevError struct {
	Type    string // "compile", "parse", "runtime" or "timeout"
	File    string // Template being served
	Line    int    // Line in the generated script (0 if unknown)
	Column  int    // Column in the generated script (0 if unknown)
	Message string
	Source  []byte // Generated script, when compiling got that far
}

// SourceLine represents a line of source code for display.
type SourceLine struct {
	Number  int
	Content string
	IsError bool
}

// scriptError answers a request whose template failed to compile, parse
// or run. page may be nil.
func (h *siteHandler) scriptError(w http.ResponseWriter, fsPath string, page *compiledPage, err error) {
	s := h.server
	s.logError("%s: %v", fsPath, err)

	if s.config.Server.Dev {
		devErr := newDevError(fsPath, err)
		if page != nil {
			devErr.Source = page.source
		}
		renderDevErrorPage(w, devErr)
		return
	}

	http.Error(w, diagnostic(fsPath, err), http.StatusInternalServerError)
}

// diagnostic is the body of a production error response. It names the
// failing template and, for parse errors, where in the generated script
// parsing stopped.
func diagnostic(fsPath string, err error) string {
	var ce *template.CompileError
	var pe *script.ParseError
	switch {
	case errors.As(err, &ce):
		return fmt.Sprintf("could not compile template '%s'", fsPath)
	case errors.As(err, &pe):
		return pe.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("script '%s' ran out of time", fsPath)
	}
	return fmt.Sprintf("could not eval script '%s'", fsPath)
}

func newDevError(fsPath string, err error) *DevError {
	devErr := &DevError{Type: "runtime", File: fsPath, Message: err.Error()}

	var ce *template.CompileError
	var pe *script.ParseError
	switch {
	case errors.As(err, &ce):
		devErr.Type = "compile"
	case errors.As(err, &pe):
		devErr.Type = "parse"
		devErr.Line = pe.Line
		devErr.Column = pe.Column
		devErr.Message = pe.Message
	case errors.Is(err, context.DeadlineExceeded):
		devErr.Type = "timeout"
	}
	return devErr
}

// errorPageStyles contains the inline CSS for the error page.
const errorPageStyles = `
<style>
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
    background: #1a1a2e;
    color: #eee;
    padding: 2rem;
  }
  .error-container { max-width: 900px; margin: 0 auto; }
  h1 { font-size: 1.5rem; margin-bottom: 1.5rem; color: #ff6b6b; }
  .error-type {
    background: #ff6b6b;
    color: #1a1a2e;
    padding: 0.2rem 0.5rem;
    border-radius: 4px;
    font-size: 0.75rem;
    font-weight: 600;
    text-transform: uppercase;
    margin-right: 0.5rem;
  }
  .error-location, .error-message {
    background: #16213e;
    border-radius: 8px;
    padding: 1rem 1.25rem;
    margin-bottom: 1rem;
  }
  .error-location { border-left: 4px solid #ff6b6b; }
  .file-path, .error-message, .source-line {
    font-family: 'SF Mono', Monaco, 'Courier New', monospace;
    font-size: 0.875rem;
  }
  .line-info { color: #f39c12; font-weight: 600; }
  .error-message { color: #ff6b6b; white-space: pre-wrap; }
  .source-code { background: #0f0f23; border-radius: 8px; padding: 1rem 0; overflow-x: auto; }
  .source-line { display: flex; line-height: 1.6; }
  .source-line.error-line { background: rgba(255, 107, 107, 0.15); }
  .line-number { width: 4rem; text-align: right; padding-right: 1rem; color: #4a4a6a; }
  .line-content { white-space: pre; }
</style>
`

// renderDevErrorPage generates an HTML error page for dev mode.
func renderDevErrorPage(w http.ResponseWriter, devErr *DevError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)

	var sourceLines []SourceLine
	if len(devErr.Source) > 0 && devErr.Line > 0 {
		sourceLines = getSourceContext(devErr.Source, devErr.Line, 5)
	}

	var sb strings.Builder

	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	sb.WriteString("<meta charset=\"utf-8\">\n")
	sb.WriteString("<title>Error - Sage Dev</title>\n")
	sb.WriteString(errorPageStyles)
	sb.WriteString("</head>\n<body>\n")
	sb.WriteString("<div class=\"error-container\">\n")
	sb.WriteString("<h1>Template Error</h1>\n")

	sb.WriteString("<div class=\"error-location\">\n")
	sb.WriteString(fmt.Sprintf("<span class=\"error-type\">%s error</span>\n", html.EscapeString(devErr.Type)))
	sb.WriteString("<span class=\"file-path\">")
	sb.WriteString(html.EscapeString(devErr.File))
	if devErr.Line > 0 {
		sb.WriteString(fmt.Sprintf(" : <span class=\"line-info\">%d</span>", devErr.Line))
		if devErr.Column > 0 {
			sb.WriteString(fmt.Sprintf(" : <span class=\"line-info\">%d</span>", devErr.Column))
		}
	}
	sb.WriteString("</span>\n</div>\n")

	sb.WriteString("<div class=\"error-message\">")
	sb.WriteString(html.EscapeString(devErr.Message))
	sb.WriteString("</div>\n")

	// Lines are from the generated script, which is what the line
	// number refers to
	if len(sourceLines) > 0 {
		sb.WriteString("<div class=\"source-code\">\n")
		for _, line := range sourceLines {
			errorClass := ""
			if line.IsError {
				errorClass = " error-line"
			}
			sb.WriteString(fmt.Sprintf("<div class=\"source-line%s\">", errorClass))
			sb.WriteString(fmt.Sprintf("<span class=\"line-number\">%d</span>", line.Number))
			sb.WriteString("<span class=\"line-content\">")
			sb.WriteString(html.EscapeString(line.Content))
			sb.WriteString("</span></div>\n")
		}
		sb.WriteString("</div>\n")
	}

	sb.WriteString("</div>\n</body>\n</html>")

	w.Write([]byte(sb.String()))
}

// getSourceContext returns the lines of src around errorLine.
func getSourceContext(src []byte, errorLine, contextLines int) []SourceLine {
	var lines []SourceLine
	scanner := bufio.NewScanner(bytes.NewReader(src))
	lineNum := 0

	startLine := max(errorLine-contextLines, 1)
	endLine := errorLine + contextLines

	for scanner.Scan() {
		lineNum++
		if lineNum < startLine {
			continue
		}
		if lineNum > endLine {
			break
		}

		lines = append(lines, SourceLine{
			Number:  lineNum,
			Content: scanner.Text(),
			IsError: lineNum == errorLine,
		})
	}

	return lines
}
