// Package inject places the reCAPTCHA session script into HTML documents.
package inject

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"

	"golang.org/x/net/html"
)

// ScriptTag returns the session script element for siteKey.
func ScriptTag(siteKey string) string {
	return fmt.Sprintf(`<script src="https://www.google.com/recaptcha/enterprise.js?render=%s&waf=session" async defer></script>`,
		url.QueryEscape(siteKey))
}

// IsHTML reports whether a Content-Type header names an HTML document.
func IsHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/html"
}

// Script inserts tag just before </head>. Without a head it goes right after
// the opening <body> tag, and without either it is appended. body is not
// modified.
func Script(body []byte, tag string) []byte {
	z := html.NewTokenizer(bytes.NewReader(body))
	offset, afterBody := 0, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		n := len(z.Raw())
		switch tt {
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return insertAt(body, offset, tag)
			}
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "body" && afterBody < 0 {
				afterBody = offset + n
			}
		}
		offset += n
	}
	if afterBody >= 0 {
		return insertAt(body, afterBody, tag)
	}
	out := make([]byte, 0, len(body)+len(tag))
	out = append(out, body...)
	return append(out, tag...)
}

func insertAt(body []byte, at int, tag string) []byte {
	out := make([]byte, 0, len(body)+len(tag))
	out = append(out, body[:at]...)
	out = append(out, tag...)
	return append(out, body[at:]...)
}
