package router

import (
	"context"
	"fmt"
	"time"

	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
	"pharmatrace/relay/internal/store"
)

// HandleChat validates, persists and fans out one chat message. Directed
// messages reach every session of the recipient plus the sender's other
// sessions; broadcasts reach every ADMIN and MANUFACTURER connection. The
// originating connection never receives its own message back.
func (r *Router) HandleChat(ctx context.Context, from registry.ConnectionID, chat protocol.Chat) Result {
	origin, ok := r.registry.Get(from)
	if !ok {
		return Result{Err: ErrNotRegistered}
	}
	log := r.logger.With(
		logging.Uint64("connection_id", uint64(from)),
		logging.String("user_id", origin.UserID),
	)

	//1.- The registry role is authoritative; the client never supplies one.
	body, err := protocol.CheckChat(origin.Role, chat)
	if err != nil {
		return r.reject(from, err)
	}

	//2.- Resolve the sender's display details before anything is written.
	sender, err := r.users.FindUser(ctx, origin.UserID)
	if err != nil {
		log.Error("chat sender lookup failed", logging.Error(err))
		r.reply(from, protocol.MsgChatSendFailed)
		return Result{Err: fmt.Errorf("router: find sender: %w", err)}
	}
	if sender == nil {
		r.reply(from, protocol.MsgSenderNotFound)
		return Result{Err: ErrSenderNotFound}
	}

	//3.- Persist first; a recipient being offline never prevents storage.
	var recipient *string
	if chat.RecipientID != "" {
		id := chat.RecipientID
		recipient = &id
	}
	messageID, err := r.persistChat(ctx, store.ChatMessageInput{SenderID: origin.UserID, RecipientID: recipient, Body: body})
	if err != nil {
		log.Error("chat persistence failed", logging.Error(err), logging.Bool("directed", recipient != nil))
		r.reply(from, protocol.MsgChatSendFailed)
		return Result{Err: err}
	}

	//4.- Resolve the audience fresh from the registry and fan out.
	now := r.now()
	senderRole := sender.Role
	if senderRole == "" {
		senderRole = origin.Role
	}
	env := protocol.NewAt(protocol.ChatReceived{
		Message:     body,
		SenderID:    origin.UserID,
		SenderName:  sender.Name,
		SenderRole:  senderRole,
		RecipientID: chat.RecipientID,
		Timestamp:   protocol.FormatTimestamp(now),
	}, now)

	var targets []registry.Client
	if recipient != nil {
		targets = append(r.registry.ByUser(*recipient), r.registry.ByUser(origin.UserID)...)
	} else {
		targets = r.registry.ByRoles(protocol.ChatRoles()...)
	}
	delivered := r.deliver(env, targets, from)
	if delivered == 0 {
		log.Debug("chat stored without live recipients", logging.String("message_id", messageID))
	}
	return Result{Success: true, MessageID: messageID, Delivered: delivered}
}

func (r *Router) persistChat(ctx context.Context, in store.ChatMessageInput) (string, error) {
	if r.chats == nil {
		return "", fmt.Errorf("router: chat store not configured")
	}
	pctx, cancel := r.persistContext(ctx)
	defer cancel()
	started := time.Now()
	id, err := r.chats.SaveChatMessage(pctx, in)
	r.metrics.ObservePersist(time.Since(started), err)
	if err != nil {
		return "", fmt.Errorf("router: save chat: %w", err)
	}
	return id, nil
}
