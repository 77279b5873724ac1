package store

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// notation dictionary for key formats:
	// c   = conversation
	// m   = message
	// p   = participant
	// wb  = whiteboard
	// a   = account
	// idx = index
	// rel = relationship marker
	// del = soft delete marker
	// All keys are lowercase; segments are separated by ":"

	conversationKey   = "c:%s"            // c:<conv>
	messageKey        = "c:%s:m:%020d"    // c:<conv>:m:<position>
	messagePrefix     = "c:%s:m:"         // c:<conv>:m:
	participantKey    = "c:%s:p:%s:%s"    // c:<conv>:p:<kind>:<id>
	participantPrefix = "c:%s:p:"         // c:<conv>:p:
	whiteboardKey     = "c:%s:wb"         // c:<conv>:wb
	messageIndexKey   = "idx:m:%s"        // idx:m:<msg> -> <conv>:<position>
	accountRelKey     = "rel:a:%s:c:%s"   // rel:a:<account>:c:<conv>
	accountRelPrefix  = "rel:a:%s:c:"     // rel:a:<account>:c:
	softDeleteKey     = "del:c:%s"        // del:c:<conv> -> deleted ts
	softDeletePrefix  = "del:c:"
)

// ValidateID rejects identifiers that would break key framing.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if strings.ContainsAny(id, ":/ \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func genConversationKey(convID string) []byte {
	return []byte(fmt.Sprintf(conversationKey, convID))
}

func genMessageKey(convID string, pos uint64) []byte {
	return []byte(fmt.Sprintf(messageKey, convID, pos))
}

func genMessagePrefix(convID string) []byte {
	return []byte(fmt.Sprintf(messagePrefix, convID))
}

func genParticipantKey(convID, kind, id string) []byte {
	return []byte(fmt.Sprintf(participantKey, convID, kind, id))
}

func genParticipantPrefix(convID string) []byte {
	return []byte(fmt.Sprintf(participantPrefix, convID))
}

func genWhiteboardKey(convID string) []byte {
	return []byte(fmt.Sprintf(whiteboardKey, convID))
}

func genMessageIndexKey(msgID string) []byte {
	return []byte(fmt.Sprintf(messageIndexKey, msgID))
}

func genAccountRelKey(accountID, convID string) []byte {
	return []byte(fmt.Sprintf(accountRelKey, accountID, convID))
}

func genAccountRelPrefix(accountID string) []byte {
	return []byte(fmt.Sprintf(accountRelPrefix, accountID))
}

func genSoftDeleteKey(convID string) []byte {
	return []byte(fmt.Sprintf(softDeleteKey, convID))
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeLocator(convID string, pos uint64) []byte {
	return []byte(convID + ":" + strconv.FormatUint(pos, 10))
}

func parseLocator(v []byte) (string, uint64, error) {
	s := string(v)
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed message locator %q", s)
	}
	pos, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message locator %q: %w", s, err)
	}
	return s[:i], pos, nil
}
