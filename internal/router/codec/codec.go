// Package codec decodes broker payloads into model.MessagePointer values.
package codec

import (
	"encoding/json"
	"fmt"

	"go.flowcatalyst.tech/internal/router/model"
)

// wirePointer mirrors the broker wire format from the pointer wire format
// section of the external interfaces: id, poolCode, messageGroupId,
// mediationType, mediationTarget.
type wirePointer struct {
	ID              string `json:"id"`
	PoolCode        string `json:"poolCode"`
	MessageGroupID  string `json:"messageGroupId"`
	MediationType   string `json:"mediationType"`
	MediationTarget string `json:"mediationTarget"`
}

// Decode parses a broker message body into a MessagePointer. Required fields
// are id, poolCode, mediationTarget; messageGroupId defaults to "default" and
// mediationType defaults to HTTP. Returns *model.ErrInvalidPointer when a
// required field is missing or the body is not valid JSON.
func Decode(body []byte) (*model.MessagePointer, error) {
	var w wirePointer
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &model.ErrInvalidPointer{Reason: fmt.Sprintf("malformed json: %v", err)}
	}

	var missing []string
	if w.ID == "" {
		missing = append(missing, "id")
	}
	if w.PoolCode == "" {
		missing = append(missing, "poolCode")
	}
	if w.MediationTarget == "" {
		missing = append(missing, "mediationTarget")
	}
	if len(missing) > 0 {
		return nil, &model.ErrInvalidPointer{Reason: fmt.Sprintf("missing required fields: %v", missing)}
	}

	groupID := w.MessageGroupID
	if groupID == "" {
		groupID = model.DefaultMessageGroupID
	}

	mediationType := model.MediationType(w.MediationType)
	if mediationType == "" {
		mediationType = model.MediationTypeHTTP
	}

	return &model.MessagePointer{
		ID:              w.ID,
		PoolCode:        w.PoolCode,
		MessageGroupID:  groupID,
		MediationType:   mediationType,
		MediationTarget: w.MediationTarget,
	}, nil
}

// Encode serializes a MessagePointer back to the broker wire format. Internal
// fields (BatchID, BrokerMessageID) are never emitted.
func Encode(p *model.MessagePointer) ([]byte, error) {
	w := wirePointer{
		ID:              p.ID,
		PoolCode:        p.PoolCode,
		MessageGroupID:  p.MessageGroupID,
		MediationType:   string(p.MediationType),
		MediationTarget: p.MediationTarget,
	}
	return json.Marshal(w)
}
