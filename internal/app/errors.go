package app

import "errors"

var (
	ErrChannelRequired         = errors.New("remote channel is required")
	ErrUserRequired            = errors.New("current user id is required")
	ErrNotStarted              = errors.New("orchestrator is not started")
	ErrNoConversationSelected  = errors.New("no conversation selected")
	ErrConversationNotOpen     = errors.New("conversation is not open")
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrEmptyMessage            = errors.New("message content is empty")
	ErrInvalidMessageType      = errors.New("invalid message type")
	ErrReplyTargetNotFound     = errors.New("reply target is not in the loaded timeline")
	ErrSendRateLimited         = errors.New("send rate limit exceeded")
	ErrNotGroupConversation    = errors.New("membership changes require a group conversation")
	ErrMemberRequired          = errors.New("member id is required")
	ErrLastMembers             = errors.New("group must keep at least two members")
	ErrInvalidMembershipChange = errors.New("membership change must be add or remove")
	ErrMessageNotFound         = errors.New("message not found")
)
