// Package parser turns raw subscription payloads into descriptors.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"subsync/descriptor"
)

// ErrNoMatch is returned when no detector recognised the payload.
var ErrNoMatch = errors.New("no proxies found")

// ParseRaw detects the payload format and parses it. The first detector
// whose structural cue is present owns the payload: its error is returned
// as is and lower-priority detectors are not tried.
func ParseRaw(text, fileName string) ([]*descriptor.Descriptor, error) {
	return parseRaw(text, fileName, 0)
}

func parseRaw(text, fileName string, depth int) ([]*descriptor.Descriptor, error) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if text == "" {
		return nil, ErrNoMatch
	}

	switch {
	case strings.Contains(text, "proxies:"):
		list, err := ParseYAML(text)
		if err != nil {
			return nil, fmt.Errorf("yaml proxy list: %w", err)
		}
		return list, nil
	case strings.Contains(text, "[Interface]"):
		list, err := ParseWireGuard(text)
		if err != nil {
			return nil, fmt.Errorf("wireguard config: %w", err)
		}
		if name := strings.TrimSpace(fileName); name != "" {
			for _, d := range list {
				d.Name = strings.TrimSuffix(name, ".conf")
			}
		}
		return list, nil
	}

	if looksLikeJSON(text) {
		list, err := ParseJSON([]byte(text))
		if err == nil {
			if len(list) == 0 {
				return nil, fmt.Errorf("json document: %w", ErrNoMatch)
			}
			return list, nil
		}
		if json.Valid([]byte(text)) {
			return nil, fmt.Errorf("json document: %w", err)
		}
		logrus.Debugf("[Parser] payload is not a json document: %v", err)
	}

	if depth == 0 {
		if decoded, ok := decodeBase64Document(text); ok {
			list, err := parseRaw(decoded, fileName, depth+1)
			if err == nil {
				return list, nil
			}
			if !errors.Is(err, ErrNoMatch) {
				return nil, err
			}
		}
	}

	if list := ParseLinks(text); len(list) > 0 {
		return list, nil
	}
	return nil, ErrNoMatch
}

func looksLikeJSON(text string) bool {
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}

func keepValid(list []*descriptor.Descriptor, source string) []*descriptor.Descriptor {
	out := list[:0]
	for _, d := range list {
		if err := d.Validate(); err != nil {
			logrus.Debugf("[Parser] drop %s entry %q: %v", source, d.Name, err)
			continue
		}
		out = append(out, d)
	}
	return out
}
