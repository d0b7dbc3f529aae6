// Package risk turns anomaly incidents into graduated responses against the
// panel and keeps the watchlist, whitelist and unfreeze schedule.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
)

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

type Action string

const (
	ActionAlertOnly Action = "alert_only"
	ActionRateLimit Action = "rate_limit"
	ActionDisable   Action = "disable"
)

// Mode decides whether responses touch the panel.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeObserve Mode = "observe"
)

func ParseMode(raw string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(raw))) == ModeObserve {
		return ModeObserve
	}
	return ModeEnforce
}

var ErrInvalidSettings = errors.New("invalid risk settings")

type Settings struct {
	Detector          anomaly.Params
	LowScore          int
	HighScore         int
	AutoUnfreezeHours int
	Mode              Mode
	// Concurrency bounds simultaneous panel calls during a scan or sweep.
	Concurrency int
}

func DefaultSettings() Settings {
	return Settings{
		Detector:          anomaly.DefaultParams(),
		LowScore:          80,
		HighScore:         130,
		AutoUnfreezeHours: 24,
		Mode:              ModeEnforce,
		Concurrency:       4,
	}
}

func (s Settings) Validate() error {
	if err := s.Detector.Validate(); err != nil {
		return err
	}
	if s.LowScore >= s.HighScore {
		return fmt.Errorf("%w: low score %d must be below high score %d", ErrInvalidSettings, s.LowScore, s.HighScore)
	}
	if s.AutoUnfreezeHours <= 0 {
		return fmt.Errorf("%w: auto unfreeze hours must be positive", ErrInvalidSettings)
	}
	return nil
}

// Decide maps a score onto a level and action for cutoffs low < high.
func Decide(score, low, high int) (Level, Action) {
	switch {
	case score >= high:
		return LevelHigh, ActionDisable
	case score >= low:
		return LevelMedium, ActionRateLimit
	default:
		return LevelLow, ActionAlertOnly
	}
}

// Event is one persisted anomaly response.
type Event struct {
	ID          int64              `json:"id,omitempty"`
	SubjectID   string             `json:"subject_id"`
	Level       Level              `json:"risk_level"`
	Score       int                `json:"score"`
	IPCount     int                `json:"ip_count"`
	UADiversity int                `json:"ua_diversity"`
	Density     int                `json:"density"`
	ActionTaken string             `json:"action_taken"`
	Evidence    []anomaly.Evidence `json:"evidence_summary"`
	CreatedAt   time.Time          `json:"created_at"`
}

const maxEvidenceBytes = 4096

// evidenceJSON encodes evidence, dropping the oldest rows until it fits.
func evidenceJSON(ev []anomaly.Evidence) []byte {
	for n := len(ev); n > 0; n-- {
		raw, err := json.Marshal(ev[:n])
		if err == nil && len(raw) <= maxEvidenceBytes {
			return raw
		}
	}
	return []byte("[]")
}

// actionLabel is what lands in action_taken. Observe mode and failed panel
// calls are recorded so the event explains what actually happened.
func actionLabel(action Action, mode Mode, remoteErr error) string {
	label := string(action)
	if action == ActionAlertOnly {
		return label
	}
	if mode == ModeObserve {
		return "observe:" + label
	}
	if remoteErr != nil {
		return label + ":failed"
	}
	return label
}
