package feed

import (
	"fmt"
	"strings"
)

// Kind names a fan-out level.
type Kind string

const (
	// KindConversationList carries conversation metadata changes for an account.
	KindConversationList Kind = "conversations"
	// KindConversation carries one conversation's metadata and turn changes.
	KindConversation Kind = "conversation"
	// KindMessages carries message lifecycle and stream events for one conversation.
	KindMessages Kind = "messages"
	// KindWhiteboard carries one conversation's whiteboard saves.
	KindWhiteboard Kind = "whiteboard"
)

// Valid reports whether k is a known topic kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConversationList, KindConversation, KindMessages, KindWhiteboard:
		return true
	}
	return false
}

// AccountScoped reports whether IDs of this kind name accounts rather than conversations.
func (k Kind) AccountScoped() bool { return k == KindConversationList }

// Topic is a fan-out address. It holds no state beyond its identity.
type Topic struct {
	Kind Kind
	ID   string
}

func (t Topic) String() string { return string(t.Kind) + ":" + t.ID }

func ConversationListTopic(accountID string) Topic {
	return Topic{Kind: KindConversationList, ID: accountID}
}

func ConversationTopic(convID string) Topic { return Topic{Kind: KindConversation, ID: convID} }

func MessagesTopic(convID string) Topic { return Topic{Kind: KindMessages, ID: convID} }

func WhiteboardTopic(convID string) Topic { return Topic{Kind: KindWhiteboard, ID: convID} }

// ParseTopic reverses Topic.String.
func ParseTopic(s string) (Topic, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Topic{}, fmt.Errorf("malformed topic %q", s)
	}
	t := Topic{Kind: Kind(kind), ID: id}
	if !t.Kind.Valid() {
		return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
	}
	return t, nil
}
