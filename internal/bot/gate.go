package bot

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// ChannelGate checks membership in the required channel through the Bot API.
// The bot has to be an administrator of the channel.
type ChannelGate struct {
	Bot    *telego.Bot
	ChatID int64
}

func (g *ChannelGate) IsMember(ctx context.Context, telegramID int64) (bool, error) {
	member, err := g.Bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: tu.ID(g.ChatID),
		UserID: telegramID,
	})
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	switch member.MemberStatus() {
	case "creator", "administrator", "member":
		return true, nil
	}
	return false, nil
}
