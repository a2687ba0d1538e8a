package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errInvalidParams = errors.New("invalid params")

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && arr[0] != "" {
		return arr[0], nil
	}
	return "", errInvalidParams
}

func decodeSingleBoolParam(raw json.RawMessage) (bool, error) {
	var arr []bool
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		return arr[0], nil
	}
	return false, errInvalidParams
}

// decodeObjectParam accepts {...} or [{...}]. Unknown fields are rejected.
func decodeObjectParam[T any](raw json.RawMessage) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) != 1 {
			return out, errInvalidParams
		}
		trimmed = bytes.TrimSpace(arr[0])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return out, errInvalidParams
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, errInvalidParams
	}
	return out, nil
}

type openConversationParams struct {
	ParticipantIDs []string `json:"participantIds"`
	IsGroup        bool     `json:"isGroup"`
	GroupName      string   `json:"groupName"`
}

type sendParams struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	ReplyToID   string `json:"replyToId"`
}

type membershipParams struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Change         string `json:"change"`
}
