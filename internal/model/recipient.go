// internal/model/recipient.go
package model

import "strings"

// Recipient is one target of a campaign. Preview recipients are logged
// under a preview id instead of the campaign id.
type Recipient struct {
	Phone            string            `json:"phone"`
	FirstName        string            `json:"first_name,omitempty"`
	LastName         string            `json:"last_name,omitempty"`
	Location         string            `json:"location,omitempty"`
	PreferredProduct string            `json:"preferred_product,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	Preview          bool              `json:"preview,omitempty"`
}

// TemplateData returns the placeholder values for this recipient.
// Named fields win over entries in Fields with the same key.
func (r Recipient) TemplateData() map[string]string {
	data := make(map[string]string, len(r.Fields)+5)
	for k, v := range r.Fields {
		data[k] = v
	}
	data["phone"] = r.Phone
	data["first_name"] = r.FirstName
	data["last_name"] = r.LastName
	data["location"] = r.Location
	data["preferred_product"] = r.PreferredProduct
	return data
}

// NormalizePhone reduces a phone number to "+digits" (international form)
// or bare digits. Spaces, dashes, dots and parentheses are dropped and a
// leading "00" is treated as "+".
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if !plus && strings.HasPrefix(digits, "00") {
		plus = true
		digits = digits[2:]
	}
	if digits == "" {
		return ""
	}
	if plus {
		return "+" + digits
	}
	return digits
}
