package waclient

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsfleet/whatsfleet/internal/client"
)

// translateMessage flattens a whatsmeow message event into the
// orchestrator's message shape. Only the text/caption content is carried;
// media payloads stay on the wire.
func translateMessage(e *events.Message) client.Message {
	kind, body, system := classify(e.Message)
	return client.Message{
		ID:        e.Info.ID,
		ChatID:    e.Info.Chat.String(),
		Timestamp: e.Info.Timestamp,
		FromMe:    e.Info.IsFromMe,
		Kind:      kind,
		Body:      body,
		System:    system,
	}
}

// classify picks the message kind and extracts whatever text it carries.
// Protocol and unrecognized payloads are flagged as system traffic.
func classify(msg *waE2E.Message) (kind, body string, system bool) {
	switch {
	case msg == nil:
		return "unknown", "", true
	case msg.GetConversation() != "":
		return "text", msg.GetConversation(), false
	case msg.GetExtendedTextMessage() != nil:
		return "text", msg.GetExtendedTextMessage().GetText(), false
	case msg.GetImageMessage() != nil:
		return "image", msg.GetImageMessage().GetCaption(), false
	case msg.GetVideoMessage() != nil:
		return "video", msg.GetVideoMessage().GetCaption(), false
	case msg.GetDocumentMessage() != nil:
		return "document", msg.GetDocumentMessage().GetFileName(), false
	case msg.GetAudioMessage() != nil:
		return "audio", "", false
	case msg.GetStickerMessage() != nil:
		return "sticker", "", false
	case msg.GetContactMessage() != nil:
		return "contact", msg.GetContactMessage().GetDisplayName(), false
	case msg.GetLocationMessage() != nil:
		return "location", msg.GetLocationMessage().GetName(), false
	case msg.GetReactionMessage() != nil:
		return "reaction", msg.GetReactionMessage().GetText(), false
	case msg.GetProtocolMessage() != nil:
		return "protocol", "", true
	default:
		return "unknown", "", true
	}
}
