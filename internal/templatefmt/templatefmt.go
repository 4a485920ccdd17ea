package templatefmt

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"diveguard/internal/tracker"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: helper map used by config validation and email rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"clock": FormatClock,
		"time":  FormatTime,
		"json":  MarshalJSON,
		"upper": strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(body)
}

// Render executes template into string.
func Render(tmpl *template.Template, data any) (string, error) {
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

// FormatClock renders a duration as H:MM:SS like the live session board.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted elapsed string.
func FormatClock(value any) string {
	switch typed := value.(type) {
	case time.Duration:
		return tracker.FormatElapsed(typed)
	case *time.Duration:
		if typed == nil {
			return tracker.FormatElapsed(0)
		}
		return tracker.FormatElapsed(*typed)
	default:
		return tracker.FormatElapsed(0)
	}
}

// FormatTime renders timestamp in RFC3339 UTC; zero time renders empty.
func FormatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
