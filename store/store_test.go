package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func threeLevels() Course {
	return Course{
		ID:   "crs-1",
		Name: "Guitar",
		Levels: []CourseLevel{
			{Type: LevelFoundation, Sessions: 10},
			{Type: LevelDevelopment, Sessions: 10},
			{Type: LevelMastery, Sessions: 10},
		},
	}
}

func TestUnlockRowsFoundationTier(t *testing.T) {
	rows := UnlockRows("stu-1", threeLevels(), 10)
	require.Len(t, rows, 10)
	for i, r := range rows {
		require.Equal(t, "stu-1", r.StudentID)
		require.Equal(t, "crs-1", r.CourseID)
		require.Equal(t, LevelFoundation, r.Level)
		require.Equal(t, i+1, r.SessionNumber)
		require.True(t, r.IsUnlocked)
	}
}

func TestUnlockRowsFullTier(t *testing.T) {
	rows := UnlockRows("stu-1", threeLevels(), 30)
	require.Len(t, rows, 30)
	byLevel := map[LevelType]int{}
	for _, r := range rows {
		byLevel[r.Level]++
	}
	require.Equal(t, map[LevelType]int{
		LevelFoundation:  10,
		LevelDevelopment: 10,
		LevelMastery:     10,
	}, byLevel)
}

func TestUnlockRowsSkipsUnknownLevels(t *testing.T) {
	course := threeLevels()
	course.Levels = append(course.Levels, CourseLevel{Type: "experimental", Sessions: 5})
	rows := UnlockRows("stu-1", course, 30)
	for _, r := range rows {
		require.NotEqual(t, LevelType("experimental"), r.Level)
	}
}

func TestUnlockRowsInvalidTier(t *testing.T) {
	require.Empty(t, UnlockRows("stu-1", threeLevels(), 15))
}
