package alerting

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// DiscordNotifier posts alerts to a Discord channel. Delivery failures
// are logged and swallowed.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	log       *logrus.Entry
}

// NewDiscordNotifier creates a notifier posting to the given channel.
func NewDiscordNotifier(session *discordgo.Session, channelID string, log *logrus.Entry) *DiscordNotifier {
	return &DiscordNotifier{session: session, channelID: channelID, log: log}
}

// Notify implements Notifier.
func (n *DiscordNotifier) Notify(ctx context.Context, label string, err error) {
	msg := fmt.Sprintf("⚠️ job `%s` failed: %v", label, err)
	if _, sendErr := n.session.ChannelMessageSend(n.channelID, msg); sendErr != nil {
		n.log.WithError(sendErr).WithField("job", label).Warn("failed to deliver alert")
	}
}
