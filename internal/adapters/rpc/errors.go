package rpc

import "aim-chat/chat-sync/internal/domains/contracts"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeValidation   = -32010
	codeWrite        = -32020
	codeSubscription = -32030
	codeStorage      = -32040
	codeNotReady     = -32099
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

// rpcServiceError maps the error category to a stable code; the message is
// the error text.
func rpcServiceError(err error) *rpcError {
	code := codeWrite
	switch contracts.ErrorCategory(err) {
	case contracts.ErrorCategoryValidation:
		code = codeValidation
	case contracts.ErrorCategorySubscription:
		code = codeSubscription
	case contracts.ErrorCategoryStorage:
		code = codeStorage
	}
	return &rpcError{Code: code, Message: err.Error()}
}
