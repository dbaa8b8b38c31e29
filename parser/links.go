package parser

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"subsync/descriptor"
)

var linkPattern = regexp.MustCompile(`(?i)(?:vmess|vless|trojan|hysteria2|hy2|tuic|anytls)://[^\s]+`)

// ExtractLinks finds scheme links in free text in order of appearance.
// Lines that are pure base64 or base64 data URIs are decoded first. Repeated
// links are kept.
func ExtractLinks(text string) []string {
	var links []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case isPureBase64(line):
			if decoded, err := decodeBase64Loose(line); err == nil {
				links = append(links, linkPattern.FindAllString(decoded, -1)...)
			}
		case strings.HasPrefix(line, "data:") && strings.Contains(line, "base64,"):
			payload := line[strings.Index(line, "base64,")+len("base64,"):]
			if decoded, err := decodeBase64Loose(payload); err == nil {
				links = append(links, linkPattern.FindAllString(decoded, -1)...)
			}
		default:
			links = append(links, linkPattern.FindAllString(line, -1)...)
		}
	}
	return links
}

// ParseLinks converts every recognised link in text; broken links are
// skipped.
func ParseLinks(text string) []*descriptor.Descriptor {
	links := ExtractLinks(text)
	out := make([]*descriptor.Descriptor, 0, len(links))
	for _, link := range links {
		d, err := ParseLink(link)
		if err != nil {
			logrus.Debugf("[Parser] skip link %.32q: %v", link, err)
			continue
		}
		out = append(out, d)
	}
	return out
}
