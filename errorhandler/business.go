package errorhandler

import "github.com/tidwall/gjson"

// FindBusinessError reports the in-band error of a JSON body shaped like
// {"messages":{"Error":"..."}}. Bodies that are not valid JSON, not an object,
// or carry an empty or non-string Error never match.
func FindBusinessError(body []byte) (string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "", false
	}

	messages := root.Get("messages")
	if !messages.IsObject() {
		return "", false
	}

	msg := messages.Get("Error")
	if msg.Type != gjson.String || msg.Str == "" {
		return "", false
	}
	return msg.Str, true
}
