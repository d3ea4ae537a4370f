package dialect

import (
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

// sessionIDPattern extracts the upstream session id embedded in the Claude
// client's metadata.user_id field.
var sessionIDPattern = regexp.MustCompile(`session_([0-9a-fA-F-]{36})$`)

// ValidateAnthropicRequest checks the minimal shape of a messages-dialect
// body before dispatch.
func ValidateAnthropicRequest(body []byte) error {
	if gjson.GetBytes(body, "model").String() == "" {
		return fmt.Errorf("model is required")
	}
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	return nil
}

// ExtractOriginalSessionID pulls the session uuid out of metadata.user_id,
// empty when the request carries none. Drives the global session binding for
// claude-official accounts.
func ExtractOriginalSessionID(body []byte) string {
	userID := gjson.GetBytes(body, "metadata.user_id").String()
	if userID == "" {
		return ""
	}
	m := sessionIDPattern.FindStringSubmatch(userID)
	if m == nil {
		return ""
	}
	return m[1]
}
