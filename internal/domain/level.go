package domain

import "time"

// LevelLimits are the plausibility ceilings for a level, owned by the level catalog
type LevelLimits struct {
	LevelID   string        `json:"levelId"`
	GameID    string        `json:"gameId"`
	MaxScore  int64         `json:"maxScore"`
	TimeLimit time.Duration `json:"timeLimit"`
}
