package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID generates a provisional local message id used before backend
// confirmation. The nanosecond prefix keeps ids monotonic within a session
// so list-rendering keys never collide; the uuid tail avoids collisions for
// messages created in the same tick.
// Format: msg_<unixnano>_<uuid fragment>
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// NewFolderID generates a unique folder ID with the "folder_" prefix
// Format: folder_<uuid>
func NewFolderID() string {
	return "folder_" + uuid.New().String()
}
