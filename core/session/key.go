package session

import (
	"fmt"
	"strings"

	"github.com/suizoe-cosine/huaer/core/storage"
)

// Key identifies a conversation context: a decimal group id or one of the
// public/private sentinels.
type Key string

const (
	PublicKey  Key = storage.PublicKey
	PrivateKey Key = storage.PrivateKey
)

// ParseKey validates a context key.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	switch s {
	case string(PublicKey), string(PrivateKey):
		return Key(s), nil
	case "":
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
	}
	return Key(s), nil
}

func (k Key) IsPublic() bool  { return k == PublicKey }
func (k Key) IsPrivate() bool { return k == PrivateKey }
func (k Key) String() string  { return string(k) }
