package player

import (
	"time"

	"github.com/withobsrvr/flowscope/internal/model"
)

// Phase is the player's position in its lifecycle.
type Phase int

const (
	PhasePreinit Phase = iota
	PhaseInitializing
	PhaseStartPlay
	PhaseIdle
	PhasePlay
	PhaseSeekBackfill
	PhaseClose
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhasePreinit:
		return "preinit"
	case PhaseInitializing:
		return "initialize"
	case PhaseStartPlay:
		return "start-play"
	case PhaseIdle:
		return "idle"
	case PhasePlay:
		return "play"
	case PhaseSeekBackfill:
		return "seek-backfill"
	case PhaseClose:
		return "close"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Presence summarizes whether data can be shown.
type Presence string

const (
	PresenceNotPresent   Presence = "not-present"
	PresenceInitializing Presence = "initializing"
	PresenceBuffering    Presence = "buffering"
	PresencePresent      Presence = "present"
	PresenceError        Presence = "error"
)

// ActiveData is the playback view once the source is initialized.
type ActiveData struct {
	// Messages emitted since the previous state. After a seek they are the
	// backfilled last value of each topic.
	Messages    []model.MessageEvent
	CurrentTime model.Time
	StartTime   model.Time
	EndTime     model.Time
	IsPlaying   bool
	Speed       float64
	// LastSeekTime changes every time a seek completes.
	LastSeekTime int64
	Topics       []model.Topic
	TopicStats   map[string]model.TopicStats
}

// Progress reports how much data is buffered.
type Progress struct {
	LoadedUntil model.Time
	Buffered    time.Duration
}

// State is what a player reports to its listener.
type State struct {
	Phase      Phase
	Presence   Presence
	Progress   Progress
	Problems   []model.Problem
	ActiveData *ActiveData
}
