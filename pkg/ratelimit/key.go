package ratelimit

import (
	"strconv"

	"tgpipe/pkg/dispatch"

	"github.com/mymmrac/telego"
)

const directKey = "direct"

// KeyFunc derives the bucket key of an update. ok=false means the update carries no key.
type KeyFunc func(update *telego.Update) (key string, ok bool)

// DirectKey puts every update into one shared bucket.
func DirectKey(*telego.Update) (string, bool) {
	return directKey, true
}

// KeyChat keys by chat id.
func KeyChat(update *telego.Update) (string, bool) {
	chatID, ok := dispatch.ChatID(update)
	if !ok {
		return "", false
	}

	return "chat:" + strconv.FormatInt(chatID, 10), true
}

// KeyUser keys by the id of the sending user.
func KeyUser(update *telego.Update) (string, bool) {
	userID, ok := dispatch.UserID(update)
	if !ok {
		return "", false
	}

	return "user:" + strconv.FormatInt(userID, 10), true
}

// KeyChatUser keys by the pair of chat and user. Both must be present.
func KeyChatUser(update *telego.Update) (string, bool) {
	chat, ok := KeyChat(update)
	if !ok {
		return "", false
	}
	user, ok := KeyUser(update)
	if !ok {
		return "", false
	}

	return chat + ":" + user, true
}
