package errorlist

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Flatten turns a transport error message into an ordered list of messages.
// A JSON object such as {"file": ["too big"], "__all__": ["denied"]} yields its messages in document order;
// nested objects (the server wraps them as {"errors": {...}}) are walked recursively.
// Anything else, or an object without messages, is returned as a single plain message.
func Flatten(message string) []string {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return []string{message}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var messages []string
	if err := walkValue(dec, &messages); err != nil {
		return []string{message}
	}
	if _, err := dec.Token(); err != io.EOF {
		return []string{message}
	}
	if len(messages) == 0 {
		return []string{message}
	}

	return messages
}

func walkValue(dec *json.Decoder, messages *[]string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			for dec.More() {
				// key
				if _, err := dec.Token(); err != nil {
					return err
				}
				if err := walkValue(dec, messages); err != nil {
					return err
				}
			}
		case '[':
			for dec.More() {
				if err := walkValue(dec, messages); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unexpected delimiter %s", v)
		}
		_, err := dec.Token()
		return err
	case string:
		*messages = append(*messages, v)
	case json.Number:
		*messages = append(*messages, v.String())
	case bool:
		*messages = append(*messages, fmt.Sprintf("%t", v))
	case nil:
	}

	return nil
}
