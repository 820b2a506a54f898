package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const repairInstruction = "Your previous reply did not match the required JSON schema (%s). Reply again with a single JSON object that satisfies the schema exactly."

// Extract asks conv for a structured reply and validates it against schema.
// A reply that fails validation gets one repair turn before ErrSchemaMismatch
// is returned.
func Extract(ctx context.Context, conv Conversation, instruction string, schema *Schema) (json.RawMessage, error) {
	out, err := conv.Structured(ctx, instruction, schema)
	if err != nil {
		return nil, err
	}
	verr := schema.Validate(out)
	if verr == nil {
		return out, nil
	}
	if !errors.Is(verr, ErrSchemaMismatch) {
		return nil, verr
	}

	out, err = conv.Structured(ctx, fmt.Sprintf(repairInstruction, verr.Error()), schema)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(out); err != nil {
		return nil, fmt.Errorf("after repair: %w", err)
	}
	return out, nil
}
