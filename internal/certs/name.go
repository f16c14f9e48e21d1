package certs

import (
	"strings"
)

type attr struct {
	key   string
	value string
}

// splitName splits a comma separated subject name into attributes. A segment starts a new
// attribute only when it begins with KEY=, where KEY is made of letters, digits and dots.
// Other segments belong to the previous value, commas included.
func splitName(raw string) []attr {
	var attrs []attr
	for _, seg := range strings.Split(raw, ",") {
		key, value, ok := cutKey(seg)
		if ok {
			attrs = append(attrs, attr{key: key, value: value})
			continue
		}
		if n := len(attrs); n > 0 {
			attrs[n-1].value += "," + seg
		}
	}
	return attrs
}

func cutKey(seg string) (key, value string, ok bool) {
	seg = strings.TrimLeft(seg, " ")
	i := strings.IndexByte(seg, '=')
	if i <= 0 {
		return "", "", false
	}
	for _, r := range seg[:i] {
		if !isKeyRune(r) {
			return "", "", false
		}
	}
	return seg[:i], seg[i+1:], true
}

func isKeyRune(r rune) bool {
	return r == '.' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
}

// Attributes parses a raw subject name into the canonical attribute map: keys lowercased,
// national identifier OIDs renamed. A repeated key keeps its last value.
func Attributes(raw string) map[string]string {
	m := make(map[string]string)
	for _, a := range splitName(raw) {
		m[strings.ToLower(Mnemonic(a.key))] = a.value
	}
	return m
}

// lookup returns the first value of key in the uppercased name with national OIDs renamed.
func lookup(attrs []attr, key string) string {
	for _, a := range attrs {
		if strings.ToUpper(Mnemonic(a.key)) == key {
			return a.value
		}
	}
	return ""
}

// holderID picks INITIALS (certkey only), INN, then UID.
func holderID(family Family, raw string) string {
	attrs := splitName(strings.ToUpper(raw))

	keys := []string{"INN", "UID"}
	if family == FamilyCertkey {
		keys = append([]string{"INITIALS"}, keys...)
	}
	for _, k := range keys {
		if v := lookup(attrs, k); v != "" {
			return v
		}
	}
	return ""
}

func serialNumber(raw string) string {
	for _, a := range splitName(strings.ToUpper(raw)) {
		if a.key == "SERIALNUMBER" {
			return a.value
		}
	}
	return ""
}
