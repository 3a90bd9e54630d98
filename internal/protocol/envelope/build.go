package envelope

import "time"

func NewMessage(to string, payload MessagePayload) Envelope {
	return Envelope{Kind: KindMessage, To: to, Message: &payload}
}

func NewTyping(to string, typing bool) Envelope {
	return Envelope{Kind: KindTyping, To: to, Typing: &TypingPayload{Typing: typing}}
}

func NewPresence(status PresenceStatus, lastSeen time.Time, device string) Envelope {
	return Envelope{
		Kind:     KindPresence,
		To:       Broadcast,
		Presence: &PresencePayload{Status: status, LastSeen: lastSeen, Device: device},
	}
}

func NewDeliveryReceipt(envelopeID, to string, at time.Time) Envelope {
	return Envelope{
		Kind:    KindDeliveryReceipt,
		To:      to,
		Receipt: &ReceiptPayload{EnvelopeID: envelopeID, At: at},
	}
}

func NewReadReceipt(envelopeID, to string, at time.Time) Envelope {
	return Envelope{
		Kind:    KindReadReceipt,
		To:      to,
		Receipt: &ReceiptPayload{EnvelopeID: envelopeID, At: at},
	}
}
