package timeline

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/meetcomposer/internal/models"
)

func TestNewTrackRejectsInvertedWindow(t *testing.T) {
	_, err := NewTrack("a.mp4", 5, 4, "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNewTrackRejectsNegativeStartAndEmptyPath(t *testing.T) {
	_, err := NewTrack("a.mp4", -1, 4, "Alice")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = NewTrack("", 0, 4, "Alice")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNewTrackAcceptsSingleSecond(t *testing.T) {
	tr, err := NewTrack("a.mp4", 3, 3, "Alice")
	require.NoError(t, err)
	assert.True(t, tr.ActiveAt(3))
	assert.False(t, tr.ActiveAt(2))
	assert.False(t, tr.ActiveAt(4))
}

func TestHorizonAndActive(t *testing.T) {
	tracks := []Track{
		{VideoPath: "a", Start: 0, End: 5, Name: "A"},
		{VideoPath: "b", Start: 2, End: 8, Name: "B"},
		{VideoPath: "c", Start: 10, End: 12, Name: "C"},
	}

	assert.Equal(t, 12, Horizon(tracks))
	assert.Equal(t, -1, Horizon(nil))

	assert.Equal(t, []Track{tracks[0]}, Active(tracks, 1))
	assert.Equal(t, []Track{tracks[0], tracks[1]}, Active(tracks, 5))
	assert.Empty(t, Active(tracks, 9))
	assert.Equal(t, []Track{tracks[2]}, Active(tracks, 12))
}

func TestSourcePathsDeduplicates(t *testing.T) {
	tracks := []Track{
		{VideoPath: "shared.mp4", Start: 0, End: 5},
		{VideoPath: "b.mp4", Start: 0, End: 5},
		{VideoPath: "shared.mp4", Start: 3, End: 9},
	}
	assert.Equal(t, []string{"shared.mp4", "b.mp4"}, SourcePaths(tracks))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 10, 12, 2, 41, 30, 0, time.UTC)

	for _, s := range []string{
		"2024-10-12 02:41:30",
		"2024-10-12T02:41:30",
		"2024-10-12T02:41:30Z",
		"2024-10-12T04:41:30+02:00",
	} {
		ts, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(ts), "%s parsed as %s", s, ts)
	}

	_, err := ParseTimestamp("yesterday")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNewJobBuildsTracks(t *testing.T) {
	msg := models.JobMessage{
		RecordID:         "125",
		MeetingStartTime: "2024-10-12 02:41:30",
		Participants: []models.Participant{
			{Name: "Waterbus", StartTime: "2024-10-12 02:41:30", EndTime: "2024-10-12 02:41:48", VideoFilePath: "a.mp4"},
			{Name: "Guest", StartTime: "2024-10-12 02:41:35", EndTime: "2024-10-12 02:41:40", VideoFilePath: "/abs/b.mp4"},
		},
	}

	job, err := NewJob(msg, "/srv/temp", 0)
	require.NoError(t, err)

	assert.Equal(t, "125", job.RecordID)
	assert.Empty(t, job.Rejected)
	assert.Equal(t, []Track{
		{VideoPath: filepath.Join("/srv/temp", "a.mp4"), Start: 0, End: 18, Name: "Waterbus"},
		{VideoPath: "/abs/b.mp4", Start: 5, End: 10, Name: "Guest"},
	}, job.Tracks)
}

func TestNewJobSkipsInvalidParticipants(t *testing.T) {
	msg := models.JobMessage{
		RecordID:         "r2",
		MeetingStartTime: "2024-10-12 02:41:30",
		Participants: []models.Participant{
			{Name: "Broken", StartTime: "not a time", EndTime: "2024-10-12 02:41:48", VideoFilePath: "a.mp4"},
			{Name: "Backwards", StartTime: "2024-10-12 02:41:48", EndTime: "2024-10-12 02:41:40", VideoFilePath: "b.mp4"},
			{Name: "Fine", StartTime: "2024-10-12 02:41:30", EndTime: "2024-10-12 02:41:33", VideoFilePath: "c.mp4"},
		},
	}

	job, err := NewJob(msg, "", 0)
	require.NoError(t, err)
	require.Len(t, job.Tracks, 1)
	assert.Equal(t, "Fine", job.Tracks[0].Name)
	require.Len(t, job.Rejected, 2)
	for _, rejected := range job.Rejected {
		assert.True(t, errors.Is(rejected, ErrValidation))
	}
}

func TestNewJobValidation(t *testing.T) {
	valid := models.Participant{Name: "A", StartTime: "2024-10-12 02:41:30", EndTime: "2024-10-12 02:41:31", VideoFilePath: "a.mp4"}

	tests := []struct {
		name string
		msg  models.JobMessage
	}{
		{"missing record id", models.JobMessage{MeetingStartTime: "2024-10-12 02:41:30", Participants: []models.Participant{valid}}},
		{"bad meeting start", models.JobMessage{RecordID: "r", MeetingStartTime: "soon", Participants: []models.Participant{valid}}},
		{"no participants", models.JobMessage{RecordID: "r", MeetingStartTime: "2024-10-12 02:41:30"}},
		{"no valid participants", models.JobMessage{RecordID: "r", MeetingStartTime: "2024-10-12 02:41:30", Participants: []models.Participant{
			{Name: "A", StartTime: "2024-10-12 02:41:30", EndTime: "2024-10-12 02:41:31"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJob(tt.msg, "", 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestNewJobRejectsTimelineBeyondLimit(t *testing.T) {
	msg := models.JobMessage{
		RecordID:         "far",
		MeetingStartTime: "2024-01-01 10:00:00",
		Participants: []models.Participant{
			{Name: "A", StartTime: "2024-01-01 10:00:00", EndTime: "9999-01-01 10:00:00", VideoFilePath: "a.mp4"},
		},
	}

	_, err := NewJob(msg, "", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "exceeds the limit")

	msg.Participants[0].EndTime = "2024-01-01 10:01:00"
	_, err = NewJob(msg, "", 59)
	assert.True(t, errors.Is(err, ErrValidation))

	job, err := NewJob(msg, "", 60)
	require.NoError(t, err)
	assert.Equal(t, 60, Horizon(job.Tracks))
}

func TestNewJobRejectsMixedZoneForms(t *testing.T) {
	msg := models.JobMessage{
		RecordID:         "zones",
		MeetingStartTime: "2024-10-12 02:41:30",
		Participants: []models.Participant{
			{Name: "Shifted", StartTime: "2024-10-12T04:41:30+02:00", EndTime: "2024-10-12T04:41:40+02:00", VideoFilePath: "a.mp4"},
			{Name: "Local", StartTime: "2024-10-12 02:41:30", EndTime: "2024-10-12T02:41:35", VideoFilePath: "b.mp4"},
		},
	}

	job, err := NewJob(msg, "", 0)
	require.NoError(t, err)
	require.Len(t, job.Tracks, 1)
	assert.Equal(t, "Local", job.Tracks[0].Name)
	require.Len(t, job.Rejected, 1)
	assert.True(t, errors.Is(job.Rejected[0], ErrValidation))

	msg.MeetingStartTime = "2024-10-12T02:41:30Z"
	msg.Participants = msg.Participants[:1]
	job, err = NewJob(msg, "", 0)
	require.NoError(t, err)
	assert.Equal(t, Track{VideoPath: "a.mp4", Start: 0, End: 10, Name: "Shifted"}, job.Tracks[0])
}
