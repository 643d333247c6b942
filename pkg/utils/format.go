package utils

import "fmt"

// FormatDuration formats seconds into HH:MM:SS format
func FormatDuration(totalSeconds int64) string {
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatUserMention formats a user ID as a Discord mention
func FormatUserMention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// FormatLeaderboardEntry formats a leaderboard entry with rank, name, and score
func FormatLeaderboardEntry(rank int, name, score string) string {
	medal := ""
	switch rank {
	case 1:
		medal = "🥇"
	case 2:
		medal = "🥈"
	case 3:
		medal = "🥉"
	default:
		medal = fmt.Sprintf("%d.", rank)
	}

	return fmt.Sprintf("%s %s - %s", medal, name, score)
}
