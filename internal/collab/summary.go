package collab

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
)

const maxAvatars = 3

// Avatar is one collaborator bubble.
type Avatar struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Color       Color
}

// Summary is the collaborator badge: the count, the first few avatars and the overflow.
type Summary struct {
	Count    int
	Avatars  []Avatar
	Overflow int
	Saving   bool
}

// Summarize builds the badge for users in display order.
func Summarize(users []presence.LivenessRecord, saving bool) Summary {
	summary := Summary{Count: len(users), Saving: saving}
	for index, user := range users {
		if index == maxAvatars {
			summary.Overflow = len(users) - maxAvatars
			break
		}
		summary.Avatars = append(summary.Avatars, Avatar{
			UserID:      user.UserID,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Color:       CursorColor(user.UserID),
		})
	}
	return summary
}

// Label renders the badge text, e.g. "2 users active • Saving...".
func (s Summary) Label() string {
	if s.Count == 0 {
		return ""
	}
	noun := "users"
	if s.Count == 1 {
		noun = "user"
	}
	label := fmt.Sprintf("%d %s active", s.Count, noun)
	if s.Saving {
		label += " • Saving..."
	}
	return label
}
