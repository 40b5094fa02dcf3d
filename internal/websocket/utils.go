// internal/websocket/utils.go
package websocket

import (
	"sort"
	"strconv"
)

// ParticipantID is the identity a client is known by inside call rooms.
func ParticipantID(identityID int64) string {
	return strconv.FormatInt(identityID, 10)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
