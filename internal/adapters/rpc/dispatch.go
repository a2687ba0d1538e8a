package rpc

import (
	"context"
	"encoding/json"

	"aim-chat/chat-sync/internal/app"
	"aim-chat/chat-sync/internal/domains/timeline"
	"aim-chat/chat-sync/pkg/models"
)

type conversationView struct {
	models.Conversation
	Name   string `json:"name"`
	Status string `json:"status"`
}

type userView struct {
	models.User
	Status string `json:"status"`
}

type replyView struct {
	MessageID   string             `json:"messageId"`
	SenderID    string             `json:"senderId"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"messageType"`
	Available   bool               `json:"available"`
}

type messageView struct {
	models.Message
	SectionBreak bool       `json:"sectionBreak"`
	Receipt      string     `json:"receipt,omitempty"`
	Reply        *replyView `json:"reply,omitempty"`
}

func (s *Server) dispatchRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "session.status":
		return s.service.Status(), nil

	case "conversation.list":
		return s.conversationViews(s.service.ListConversations()), nil
	case "conversation.search":
		return callWithSingleStringParam(raw, func(query string) (any, error) {
			return s.conversationViews(s.service.SearchConversations(query)), nil
		})
	case "conversation.open":
		params, err := decodeObjectParam[openConversationParams](raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		id, err := s.service.CreateOrOpenConversation(ctx, params.ParticipantIDs, params.IsGroup, params.GroupName)
		if err != nil {
			return nil, rpcServiceError(err)
		}
		return map[string]string{"conversationId": id}, nil
	case "conversation.select":
		return callWithSingleStringParam(raw, func(id string) (any, error) {
			if err := s.service.SelectConversation(ctx, id); err != nil {
				return nil, err
			}
			return map[string]string{"conversationId": id}, nil
		})
	case "conversation.close":
		if err := s.service.SelectConversation(ctx, ""); err != nil {
			return nil, rpcServiceError(err)
		}
		return map[string]bool{"ok": true}, nil
	case "conversation.members":
		return callWithSingleStringParam(raw, func(id string) (any, error) {
			return s.userViews(s.service.ConversationMembers(id)), nil
		})
	case "conversation.membership":
		params, err := decodeObjectParam[membershipParams](raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		if err := s.service.SetMembership(ctx, params.ConversationID, params.UserID, app.MembershipChange(params.Change)); err != nil {
			return nil, rpcServiceError(err)
		}
		return map[string]bool{"ok": true}, nil
	case "conversation.mark_read":
		marked, err := s.service.MarkConversationRead(ctx)
		if err != nil {
			return nil, rpcServiceError(err)
		}
		return map[string]int{"marked": marked}, nil

	case "message.list":
		return callWithSingleStringParam(raw, func(id string) (any, error) {
			entries, err := s.service.ListMessages(id)
			if err != nil {
				return nil, err
			}
			return messageViews(entries), nil
		})
	case "message.send":
		params, err := decodeObjectParam[sendParams](raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		id, err := s.service.Send(ctx, app.SendRequest{
			Content:     params.Content,
			MessageType: models.MessageType(params.MessageType),
			ReplyToID:   params.ReplyToID,
		})
		if err != nil {
			return nil, rpcServiceError(err)
		}
		return map[string]string{"messageId": id}, nil
	case "message.mark_read":
		return callWithSingleStringParam(raw, func(id string) (any, error) {
			if err := s.service.MarkRead(ctx, id); err != nil {
				return nil, err
			}
			return map[string]bool{"ok": true}, nil
		})

	case "typing.set":
		composing, err := decodeSingleBoolParam(raw)
		if err != nil {
			return nil, rpcInvalidParams()
		}
		s.service.SetTyping(ctx, composing)
		return map[string]bool{"ok": true}, nil
	case "typing.text":
		return map[string]string{"text": s.service.TypingText()}, nil

	case "user.list":
		return s.userViews(s.service.ListUsers()), nil
	case "user.search":
		return callWithSingleStringParam(raw, func(query string) (any, error) {
			return s.userViews(s.service.SearchUsers(query)), nil
		})
	case "user.status":
		return callWithSingleStringParam(raw, func(uid string) (any, error) {
			return map[string]string{"status": s.service.UserStatus(uid)}, nil
		})
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
}

func callWithSingleStringParam(raw json.RawMessage, call func(string) (any, error)) (any, *rpcError) {
	param, err := decodeSingleStringParam(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(param)
	if err != nil {
		return nil, rpcServiceError(err)
	}
	return result, nil
}

func (s *Server) conversationViews(in []models.Conversation) []conversationView {
	out := make([]conversationView, 0, len(in))
	for _, c := range in {
		out = append(out, conversationView{
			Conversation: c,
			Name:         s.service.ConversationName(c.ID),
			Status:       s.service.ConversationStatus(c.ID),
		})
	}
	return out
}

func (s *Server) userViews(in []models.User) []userView {
	out := make([]userView, 0, len(in))
	for _, u := range in {
		out = append(out, userView{User: u, Status: s.service.UserStatus(u.UID)})
	}
	return out
}

func messageViews(entries []timeline.Entry) []messageView {
	out := make([]messageView, 0, len(entries))
	for _, e := range entries {
		view := messageView{
			Message:      e.Message,
			SectionBreak: e.SectionBreak,
			Receipt:      e.Receipt.String(),
		}
		if e.Reply != nil {
			view.Reply = &replyView{
				MessageID:   e.Reply.MessageID,
				SenderID:    e.Reply.SenderID,
				Content:     e.Reply.Content,
				MessageType: e.Reply.MessageType,
				Available:   e.Reply.Source != timeline.ReplyMissing,
			}
		}
		out = append(out, view)
	}
	return out
}
