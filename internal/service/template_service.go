// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data in a
// single pass, so values that look like placeholders are not expanded.
// Placeholders without a value are left untouched.
func RenderTemplate(template string, data map[string]string) string {
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		if v == "" {
			continue
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// RenderMessage personalizes the campaign template for one recipient.
func RenderMessage(template string, r model.Recipient) string {
	return RenderTemplate(template, r.TemplateData())
}
