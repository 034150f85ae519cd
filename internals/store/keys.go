package store

import "fmt"

const (
	KeyPrefixRoom = "room:"

	fieldOwner     = "owner"
	fieldCreatedAt = "created_at"
)

func RoomKey(roomID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixRoom, roomID)
}

func RoomActiveKey(roomID string) string {
	return fmt.Sprintf("%s%s:active", KeyPrefixRoom, roomID)
}

func RoomQueueKey(roomID string) string {
	return fmt.Sprintf("%s%s:queue", KeyPrefixRoom, roomID)
}
