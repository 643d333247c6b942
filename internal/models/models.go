package models

import "time"

// House is a member's house affiliation.
type House string

const (
	HouseNone  House = ""
	HouseEmber House = "ember"
	HouseGale  House = "gale"
	HouseTerra House = "terra"
	HouseTide  House = "tide"
)

// Houses lists every assignable house.
var Houses = []House{HouseEmber, HouseGale, HouseTerra, HouseTide}

// ParseHouse matches a user-supplied name against the house enumeration.
func ParseHouse(name string) (House, bool) {
	for _, h := range Houses {
		if string(h) == name {
			return h, true
		}
	}
	return HouseNone, false
}

// User represents a member's persisted counters and reset state.
type User struct {
	UserID              string
	Timezone            string
	House               House
	DailyPoints         int64
	MonthlyPoints       int64
	TotalPoints         int64
	DailyVoiceSeconds   int64
	MonthlyVoiceSeconds int64
	TotalVoiceSeconds   int64
	Streak              int64
	StreakUpdatedToday  bool
	LastDailyReset      time.Time
}

// VoiceSession is an open voice session held in memory by the tracker.
type VoiceSession struct {
	ID        string
	UserID    string
	ChannelID string
	JoinedAt  time.Time
}

// SessionRecord is a finalized slice of voice time ready to persist.
// Seconds and Points are derived from JoinedAt..LeftAt when the session
// (or session slice, when split around a reset boundary) is closed.
type SessionRecord struct {
	ID        string
	UserID    string
	ChannelID string
	JoinedAt  time.Time
	LeftAt    time.Time
	Seconds   int64
	Points    int64
}

// ResetState is the per-user row the daily reset selects on.
type ResetState struct {
	UserID             string
	Timezone           string
	LastDailyReset     time.Time
	Streak             int64
	StreakUpdatedToday bool
}

// LeaderboardEntry is one row of a points leaderboard.
type LeaderboardEntry struct {
	UserID string
	Points int64
}

// HouseStanding is the aggregated point total for one house.
type HouseStanding struct {
	House  House
	Points int64
}
