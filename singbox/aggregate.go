package singbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chen3feng/stl4go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"subsync/parser"
)

const (
	URLTestURL      = "https://www.gstatic.com/generate_204"
	URLTestInterval = "30s"
)

var (
	unsupportedOutboundTypes = stl4go.MakeBuiltinSetOf("shadowsocks", "shadowsocksr")
	realityKeyPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{43,64}$`)
)

// IsRealityKeyValid checks the shape of an x25519 public key in base64url.
func IsRealityKeyValid(key string) bool {
	return realityKeyPattern.MatchString(strings.TrimSpace(key))
}

// ConvertToConfig builds a document from the scheme links in text. It
// returns "" when no link converts.
func ConvertToConfig(text string) string {
	var (
		tags      []string
		outbounds []map[string]any
	)
	for _, link := range lo.Uniq(parser.ExtractLinks(text)) {
		d, err := parser.ParseLink(link)
		if err != nil {
			logrus.Debugf("[Aggregate] skip link: %v", err)
			continue
		}
		tag := linkTag(string(d.Kind), link)
		outbound, err := Outbound(d, tag)
		if err != nil {
			logrus.Debugf("[Aggregate] skip link %s: %v", tag, err)
			continue
		}
		tags = append(tags, tag)
		outbounds = append(outbounds, outbound)
	}
	if len(outbounds) == 0 {
		return ""
	}
	raw, err := marshalDocument(tags, outbounds)
	if err != nil {
		logrus.Warnf("[Aggregate] encode document failed: %v", err)
		return ""
	}
	return raw
}

// linkTag derives a stable tag so that re-importing a feed yields the
// same document.
func linkTag(kind, link string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(link)))
	return kind + "-" + id.String()[:8]
}

// BuildAggregate merges several feeds into one document. Each feed is
// used as is when it already is a document with outbounds, otherwise its
// links are converted. Routing outbounds are dropped and colliding tags are
// renamed tag-1, tag-2 and so on.
func BuildAggregate(rawTexts []string) string {
	var (
		tags      []string
		outbounds []map[string]any
	)
	used := make(map[string]bool)
	for _, raw := range rawTexts {
		doc := strings.TrimSpace(raw)
		if !isOutboundDocument(doc) {
			doc = ConvertToConfig(raw)
		}
		if doc == "" {
			continue
		}
		list, err := decodeOutbounds(doc)
		if err != nil {
			logrus.Debugf("[Aggregate] skip feed: %v", err)
			continue
		}
		for _, outbound := range list {
			typ, _ := outbound["type"].(string)
			if parser.IsRoutingOutbound(typ) {
				continue
			}
			tag, _ := outbound["tag"].(string)
			if strings.TrimSpace(tag) == "" {
				continue
			}
			if used[tag] {
				next := tag
				for i := 1; used[next]; i++ {
					next = fmt.Sprintf("%s-%d", tag, i)
				}
				tag = next
				outbound["tag"] = tag
			}
			used[tag] = true
			tags = append(tags, tag)
			outbounds = append(outbounds, outbound)
		}
	}
	if len(tags) == 0 {
		return ""
	}
	raw, err := marshalDocument(tags, outbounds)
	if err != nil {
		logrus.Warnf("[Aggregate] encode document failed: %v", err)
		return ""
	}
	return raw
}

// Sanitize removes outbounds the runtime rejects: unsupported protocols and
// Reality outbounds with an unusable public key. Their tags are also
// removed from selector and urltest members. Malformed input is returned
// unchanged.
func Sanitize(config string) string {
	if strings.TrimSpace(config) == "" {
		return config
	}
	root, err := decodeObject(config)
	if err != nil {
		return config
	}
	list, ok := root["outbounds"].([]any)
	if !ok {
		return config
	}
	invalidTags := make(map[string]bool)
	kept := make([]any, 0, len(list))
	for _, item := range list {
		outbound, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := outbound["type"].(string)
		if unsupportedOutboundTypes.Has(typ) || isInvalidRealityOutbound(outbound) {
			if tag, _ := outbound["tag"].(string); tag != "" {
				invalidTags[tag] = true
			}
			continue
		}
		kept = append(kept, outbound)
	}
	if len(kept) == len(list) {
		return config
	}
	if len(invalidTags) > 0 {
		for _, item := range kept {
			outbound := item.(map[string]any)
			typ, _ := outbound["type"].(string)
			if typ != "selector" && typ != "urltest" {
				continue
			}
			members, ok := outbound["outbounds"].([]any)
			if !ok {
				continue
			}
			filtered := make([]any, 0, len(members))
			for _, m := range members {
				if tag, _ := m.(string); invalidTags[tag] {
					continue
				}
				filtered = append(filtered, m)
			}
			outbound["outbounds"] = filtered
		}
	}
	root["outbounds"] = kept
	out, err := json.Marshal(root)
	if err != nil {
		return config
	}
	logrus.Debugf("[Aggregate] sanitize dropped %d outbound(s)", len(list)-len(kept))
	return string(out)
}

func isInvalidRealityOutbound(outbound map[string]any) bool {
	tls, ok := outbound["tls"].(map[string]any)
	if !ok {
		return false
	}
	reality, ok := tls["reality"].(map[string]any)
	if !ok {
		return false
	}
	if enabled, _ := reality["enabled"].(bool); !enabled {
		return false
	}
	key, _ := reality["public_key"].(string)
	return !IsRealityKeyValid(key)
}

func isOutboundDocument(text string) bool {
	if !strings.HasPrefix(text, "{") {
		return false
	}
	root, err := decodeObject(text)
	if err != nil {
		return false
	}
	_, ok := root["outbounds"].([]any)
	return ok
}

func decodeOutbounds(doc string) ([]map[string]any, error) {
	root, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	list, ok := root["outbounds"].([]any)
	if !ok {
		return nil, fmt.Errorf("document has no outbounds array")
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// decodeObject keeps numbers as json.Number so ports survive re-encoding.
func decodeObject(text string) (map[string]any, error) {
	var root map[string]any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("json value is not an object")
	}
	return root, nil
}

// Head outbounds: a "proxy" selector over auto, every tag and direct; a
// "direct" outbound; and an "auto" urltest over every tag.
func marshalDocument(tags []string, outbounds []map[string]any) (string, error) {
	proxyMembers := make([]string, 0, len(tags)+2)
	proxyMembers = append(proxyMembers, "auto")
	proxyMembers = append(proxyMembers, tags...)
	proxyMembers = append(proxyMembers, "direct")

	merged := make([]any, 0, len(outbounds)+3)
	merged = append(merged,
		map[string]any{"type": "selector", "tag": "proxy", "outbounds": proxyMembers},
		map[string]any{"type": "direct", "tag": "direct"},
		map[string]any{
			"type":                        "urltest",
			"tag":                         "auto",
			"outbounds":                   append([]string(nil), tags...),
			"url":                         URLTestURL,
			"interval":                    URLTestInterval,
			"interrupt_exist_connections": false,
		},
	)
	for _, outbound := range outbounds {
		merged = append(merged, outbound)
	}
	raw, err := json.Marshal(map[string]any{
		"log":       map[string]any{"level": "warn"},
		"outbounds": merged,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
