package autoconfig

import "strings"

// FormatName expands a default-name template with {mac} and
// {mac_suffix} placeholders, where mac_suffix is the final two bytes of
// the MAC (its last 5 characters, e.g. "A1:B2").
func FormatName(template, mac string) string {
	suffix := mac
	if len(mac) >= 5 {
		suffix = mac[len(mac)-5:]
	}
	r := strings.NewReplacer("{mac}", mac, "{mac_suffix}", suffix)
	return r.Replace(template)
}
