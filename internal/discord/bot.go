package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"housepoints/internal/database"
	"housepoints/internal/models"
	"housepoints/internal/tracker"
	"housepoints/pkg/utils"
)

// Bot wires the Discord gateway to the session tracker and repository.
// It is presentation glue: voice events go straight to the tracker, and
// commands are thin reads over the repository.
type Bot struct {
	session    *discordgo.Session
	repository *database.Repository
	tracker    *tracker.Tracker
	houseRoles map[models.House]string
	log        *logrus.Entry
}

// New creates a new Discord bot
func New(token string, repository *database.Repository, trk *tracker.Tracker, houseRoles map[models.House]string, log *logrus.Entry) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	bot := &Bot{
		session:    session,
		repository: repository,
		tracker:    trk,
		houseRoles: houseRoles,
		log:        log,
	}

	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.log.Info("bot is running")
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// Session exposes the underlying gateway session for the alert notifier.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// voiceStateUpdate routes joins, leaves and channel moves to the tracker.
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	if vs.ChannelID != "" {
		b.tracker.StartSession(vs.UserID, vs.ChannelID)
		if err := b.repository.EnsureUser(context.Background(), vs.UserID); err != nil {
			b.log.WithError(err).WithField("user_id", vs.UserID).Warn("failed to ensure user row")
		}
		return
	}
	b.tracker.EndSession(vs.UserID)
}

// messageCreate handles message creation events
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot {
		return
	}

	content := strings.TrimSpace(m.Content)

	switch {
	case content == "!points":
		b.handlePoints(s, m)
	case content == "!voice":
		b.handleVoice(s, m)
	case content == "!stats":
		b.handleStats(s, m)
	case content == "!houses":
		b.handleHouses(s, m)
	case strings.HasPrefix(content, "!leaderboard"):
		b.handleLeaderboard(s, m, content)
	case strings.HasPrefix(content, "!timezone"):
		b.handleTimezone(s, m, content)
	case strings.HasPrefix(content, "!house"):
		b.handleHouse(s, m, content)
	}
}

func (b *Bot) handlePoints(s *discordgo.Session, m *discordgo.MessageCreate) {
	user, err := b.repository.GetUser(context.Background(), m.Author.ID)
	if err != nil {
		b.log.WithError(err).Error("failed to get user for !points")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching your points.")
		return
	}
	if user == nil {
		s.ChannelMessageSend(m.ChannelID, "No points yet. Hop into a voice channel!")
		return
	}

	msg := fmt.Sprintf("🏅 %s — today: %d | this month: %d | all time: %d | streak: %d day(s)",
		m.Author.Username, user.DailyPoints, user.MonthlyPoints, user.TotalPoints, user.Streak)
	s.ChannelMessageSend(m.ChannelID, msg)
}

func (b *Bot) handleVoice(s *discordgo.Session, m *discordgo.MessageCreate) {
	user, err := b.repository.GetUser(context.Background(), m.Author.ID)
	if err != nil {
		b.log.WithError(err).Error("failed to get user for !voice")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching your voice time.")
		return
	}
	if user == nil {
		s.ChannelMessageSend(m.ChannelID, "No voice time recorded yet.")
		return
	}

	msg := fmt.Sprintf("🔊 %s, voice time — today: %s | this month: %s | all time: %s",
		m.Author.Username,
		utils.FormatDuration(user.DailyVoiceSeconds),
		utils.FormatDuration(user.MonthlyVoiceSeconds),
		utils.FormatDuration(user.TotalVoiceSeconds))
	s.ChannelMessageSend(m.ChannelID, msg)
}

func (b *Bot) handleStats(s *discordgo.Session, m *discordgo.MessageCreate) {
	user, err := b.repository.GetUser(context.Background(), m.Author.ID)
	if err != nil || user == nil {
		if err != nil {
			b.log.WithError(err).Error("failed to get user for !stats")
		}
		s.ChannelMessageSend(m.ChannelID, "No stats yet. Hop into a voice channel!")
		return
	}

	house := "none"
	if user.House != models.HouseNone {
		house = string(user.House)
	}
	msg := fmt.Sprintf("📊 %s\nHouse: %s\nPoints: %d (today %d)\nVoice: %s (today %s)\nStreak: %d day(s)\nDay rolled over %s",
		m.Author.Username, house,
		user.TotalPoints, user.DailyPoints,
		utils.FormatDuration(user.TotalVoiceSeconds), utils.FormatDuration(user.DailyVoiceSeconds),
		user.Streak,
		humanize.Time(user.LastDailyReset))
	s.ChannelMessageSend(m.ChannelID, msg)
}

func (b *Bot) handleLeaderboard(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	period := strings.TrimSpace(strings.TrimPrefix(content, "!leaderboard"))
	if period != "daily" && period != "monthly" {
		period = "total"
	}

	entries, err := b.repository.Leaderboard(context.Background(), period, 10)
	if err != nil {
		b.log.WithError(err).Error("failed to get leaderboard")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching the leaderboard.")
		return
	}

	var lines []string
	for i, e := range entries {
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, utils.FormatUserMention(e.UserID), fmt.Sprintf("%d pts", e.Points)))
	}
	if len(lines) == 0 {
		lines = append(lines, "(no entries yet)")
	}
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("🏆 Leaderboard (%s):\n%s", period, strings.Join(lines, "\n")))
}

func (b *Bot) handleHouses(s *discordgo.Session, m *discordgo.MessageCreate) {
	standings, err := b.repository.HouseStandings(context.Background())
	if err != nil {
		b.log.WithError(err).Error("failed to get house standings")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong fetching house standings.")
		return
	}

	var lines []string
	for i, st := range standings {
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, string(st.House), fmt.Sprintf("%d pts", st.Points)))
	}
	if len(lines) == 0 {
		lines = append(lines, "(no house has points yet)")
	}
	s.ChannelMessageSend(m.ChannelID, "🏰 House standings:\n"+strings.Join(lines, "\n"))
}

func (b *Bot) handleTimezone(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	name := strings.TrimSpace(strings.TrimPrefix(content, "!timezone"))
	if name == "" {
		s.ChannelMessageSend(m.ChannelID, "Usage: !timezone <IANA zone>, e.g. !timezone Asia/Jakarta")
		return
	}
	if _, err := time.LoadLocation(name); err != nil {
		s.ChannelMessageSend(m.ChannelID, "Unknown timezone: "+name)
		return
	}
	if err := b.repository.SetTimezone(context.Background(), m.Author.ID, name); err != nil {
		b.log.WithError(err).Error("failed to set timezone")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong saving your timezone.")
		return
	}
	s.ChannelMessageSend(m.ChannelID, "🌍 Timezone set to "+name+". Your daily reset now follows it.")
}

func (b *Bot) handleHouse(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(content, "!house")))
	if name == "" {
		var names []string
		for _, h := range models.Houses {
			names = append(names, string(h))
		}
		s.ChannelMessageSend(m.ChannelID, "Usage: !house <"+strings.Join(names, "|")+">")
		return
	}

	house, ok := models.ParseHouse(name)
	if !ok {
		s.ChannelMessageSend(m.ChannelID, "Unknown house: "+name)
		return
	}
	if err := b.repository.SetHouse(context.Background(), m.Author.ID, house); err != nil {
		b.log.WithError(err).Error("failed to set house")
		s.ChannelMessageSend(m.ChannelID, "Something went wrong joining the house.")
		return
	}

	if roleID, ok := b.houseRoles[house]; ok && m.GuildID != "" {
		if err := s.GuildMemberRoleAdd(m.GuildID, m.Author.ID, roleID); err != nil {
			b.log.WithError(err).WithField("house", house).Warn("failed to assign house role")
		}
	}
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("🏰 %s joined house %s!", m.Author.Username, house))
}
