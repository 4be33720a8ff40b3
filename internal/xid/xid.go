package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "ord-3f0c...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}
