package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EncodePayload serializes an item payload for the child's stdin.
// ok is false when there is no payload, in which case no stdin is supplied.
func EncodePayload(payload map[string]any) (data []byte, ok bool, err error) {
	if payload == nil {
		return nil, false, nil
	}
	data, err = json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, true, nil
}

// DecodeStdout converts raw stdout into a structured value according to format.
// JSON output is trimmed first; empty output decodes to an empty object.
// Plain output is wrapped verbatim under PlainField.
func DecodeStdout(format StdoutFormat, raw []byte) (any, error) {
	switch format {
	case FormatPlain:
		return map[string]any{PlainField: string(raw)}, nil
	case FormatJSON, "":
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			return map[string]any{}, nil
		}
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, fmt.Errorf("stdout is not valid JSON: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported stdout format: %q", format)
	}
}

// DecodeItems reads a batch from r. Accepted shapes:
//   - a JSON array of items ({"json": {...}})
//   - a JSON array of bare objects, each used as an item payload
//   - JSON Lines, one item or bare object per line
//
// An object with a "json" key and no keys other than "json", "error" and
// "paired_item" is always read as an envelope, so a payload of that shape
// must itself be wrapped: {"json": {"json": ...}}. An envelope whose "json"
// is not an object or null is rejected.
func DecodeItems(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Item{}, nil
	}

	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("items are not a valid JSON array: %w", err)
		}
		items := make([]Item, 0, len(raws))
		for i, raw := range raws {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, fmt.Errorf("item[%d]: %w", i, err)
			}
			items = append(items, item)
		}
		return items, nil
	}

	var items []Item
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		item, err := decodeItem([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan items: %w", err)
	}
	return items, nil
}

// decodeItem accepts either an item envelope or a bare payload object.
// null decodes to an item without payload.
func decodeItem(raw []byte) (Item, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Item{}, fmt.Errorf("item must be a JSON object: %w", err)
	}
	if obj == nil {
		return Item{}, nil
	}

	if _, ok := obj["json"]; ok && isEnvelope(obj) {
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return Item{}, fmt.Errorf("invalid item envelope: %w", err)
		}
		return item, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Item{}, fmt.Errorf("invalid item payload: %w", err)
	}
	return Item{JSON: payload}, nil
}

// isEnvelope reports whether obj only has item-envelope keys.
func isEnvelope(obj map[string]json.RawMessage) bool {
	for k := range obj {
		switch k {
		case "json", "error", "paired_item":
		default:
			return false
		}
	}
	return true
}

// EncodeItems writes items to w as an indented JSON array.
func EncodeItems(w io.Writer, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(items); err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	return nil
}
