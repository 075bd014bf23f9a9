package core

import "fmt"

// DiagnosticSeverity ranks a diagnostic.
type DiagnosticSeverity string

const (
	SeverityHidden  DiagnosticSeverity = "hidden"
	SeverityInfo    DiagnosticSeverity = "info"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityError   DiagnosticSeverity = "error"
)

// LinePosition is a zero-based line/character position.
type LinePosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// LinePositionSpan is a half-open range of positions.
type LinePositionSpan struct {
	Start LinePosition `json:"start"`
	End   LinePosition `json:"end"`
}

// Diagnostic is a positioned message produced by a parser or a kernel.
type Diagnostic struct {
	Span     LinePositionSpan   `json:"linePositionSpan"`
	Severity DiagnosticSeverity `json:"severity"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message"`
}

// String formats as "(line,col): severity code: message" with one-based positions.
func (d Diagnostic) String() string {
	code := ""
	if d.Code != "" {
		code = " " + d.Code
	}
	return fmt.Sprintf("(%d,%d): %s%s: %s", d.Span.Start.Line+1, d.Span.Start.Character+1, d.Severity, code, d.Message)
}

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
