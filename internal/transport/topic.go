package transport

import "collaborative-workspace-sync/internal/encryption"

const topicPrefix = "collab/"

// RoomTopic is the relay topic for a workspace. With a room secret the
// topic carries a keyed hash suffix, so only holders of the secret meet and
// the secret itself is never sent.
func RoomTopic(workspaceID string, ready encryption.Ready) string {
	topic := topicPrefix + workspaceID
	if suffix := ready.TopicSuffix(); suffix != "" {
		topic += "/" + suffix
	}
	return topic
}
