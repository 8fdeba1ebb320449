// Package template renders node configuration strings against execution
// input data.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Render executes templateStr against data. Results that look like JSON
// objects or arrays are decoded so downstream nodes receive structured
// values instead of strings.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}
	}

	return result, nil
}

// RenderString renders templateStr and stringifies the result.
func RenderString(templateStr string, data any) (string, error) {
	rendered, err := Render(templateStr, data)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%v", rendered), nil
}
