package dialect

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WrapV1Internal builds the Cloud Code Assist envelope around a normalized
// Gemini request: {model, project, request, user_prompt_id}. Only OAuth
// accounts may speak this dialect; the caller rejects API-key accounts before
// getting here.
func WrapV1Internal(model, project string, inner []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "model", model); err != nil {
		return nil, err
	}
	if project != "" {
		if out, err = sjson.SetBytes(out, "project", project); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetRawBytes(out, "request", inner); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "user_prompt_id", NewUserPromptID())
}

// EnsureV1InternalDefaults patches an inbound v1internal body (already
// wrapped by the client): synthesises user_prompt_id when absent and fills
// the project slot.
func EnsureV1InternalDefaults(body []byte, project string) ([]byte, error) {
	if !gjson.GetBytes(body, "request").Exists() {
		return nil, fmt.Errorf("v1internal body missing request wrapper")
	}
	out := body
	var err error
	if !gjson.GetBytes(out, "user_prompt_id").Exists() {
		if out, err = sjson.SetBytes(out, "user_prompt_id", NewUserPromptID()); err != nil {
			return nil, err
		}
	}
	if project != "" && gjson.GetBytes(out, "project").String() == "" {
		if out, err = sjson.SetBytes(out, "project", project); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// NewUserPromptID synthesises the prompt id format the CLI uses.
func NewUserPromptID() string {
	return uuid.NewString() + "########0"
}
