package services

import (
	"time"
)

// Level is the self-reported experience level carried on session events
type Level int

const (
	Beginner Level = iota
	Practitioner
	Master
)

var levelTags = [...]string{"beginner", "practitioner", "master"}
var levelNames = [...]string{"Beginner", "Practitioner", "Master"}

// Tag is the value of the level tag
func (l Level) Tag() string {
	if l < Beginner || l > Master {
		return levelTags[Beginner]
	}
	return levelTags[l]
}

func (l Level) String() string {
	if l < Beginner || l > Master {
		return levelNames[Beginner]
	}
	return levelNames[l]
}

// LevelFromTag parses a tag value; unknown values are Beginner
func LevelFromTag(tag string) Level {
	for i, t := range levelTags {
		if t == tag {
			return Level(i)
		}
	}
	return Beginner
}

// LevelFromAverage maps average sessions per day to a level
func LevelFromAverage(avg float64) Level {
	switch {
	case avg >= 4:
		return Master
	case avg >= 2:
		return Practitioner
	default:
		return Beginner
	}
}

// SessionCounter counts locally recorded sessions
type SessionCounter interface {
	SessionCountSince(since int64) (int, error)
}

// CurrentLevel derives the level from the sessions of the last seven days
func CurrentLevel(counter SessionCounter, now time.Time) (Level, error) {
	n, err := counter.SessionCountSince(now.Add(-7 * 24 * time.Hour).Unix())
	if err != nil {
		return Beginner, err
	}
	return LevelFromAverage(float64(n) / 7), nil
}
