package timeline

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ansel1/merry/v2"

	"github.com/bobarin/meetcomposer/internal/models"
)

// DefaultMaxHorizon bounds the timeline of a job when no limit is given.
const DefaultMaxHorizon = 4 * 60 * 60

type timestampLayout struct {
	layout string
	zoned  bool
}

// Accepted timestamp layouts. Zone-less values are read as UTC; only
// differences between timestamps of one job are used, so a job must use
// either zoned or zone-less timestamps throughout.
var timestampLayouts = []timestampLayout{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02 15:04:05", false},
}

// ParseTimestamp parses an ISO-8601 timestamp with either a 'T' or a space
// between date and time, with or without a zone offset.
func ParseTimestamp(s string) (time.Time, error) {
	ts, _, err := parseTimestamp(s)
	return ts, err
}

func parseTimestamp(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	for _, l := range timestampLayouts {
		if ts, err := time.Parse(l.layout, s); err == nil {
			return ts, l.zoned, nil
		}
	}
	return time.Time{}, false, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job: unparsable timestamp %q", s))
}

// Job is one unit of compositing work built from a queue message.
type Job struct {
	RecordID     string
	MeetingStart time.Time
	Tracks       []Track

	// Rejected holds one error per participant entry that could not become a
	// track. The job proceeds with the remaining participants.
	Rejected []error
}

// NewJob validates msg and builds its tracks. Relative video paths are
// resolved against sourceDir. A message without a record id, with an
// unparsable meeting start, without a single valid participant, or whose
// timeline ends after maxHorizon seconds fails with ErrValidation. A
// maxHorizon of zero or less means DefaultMaxHorizon.
func NewJob(msg models.JobMessage, sourceDir string, maxHorizon int) (*Job, error) {
	if maxHorizon <= 0 {
		maxHorizon = DefaultMaxHorizon
	}

	if strings.TrimSpace(msg.RecordID) == "" {
		return nil, merry.Wrap(ErrValidation, merry.WithMessage("invalid job: record_id is required"))
	}

	meetingStart, zoned, err := parseTimestamp(msg.MeetingStartTime)
	if err != nil {
		return nil, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job %s: meeting_start_time: %v", msg.RecordID, err))
	}

	if len(msg.Participants) == 0 {
		return nil, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job %s: participant list is empty", msg.RecordID))
	}

	job := &Job{
		RecordID:     msg.RecordID,
		MeetingStart: meetingStart,
	}

	for i, p := range msg.Participants {
		track, err := newParticipantTrack(p, meetingStart, zoned, sourceDir)
		if err != nil {
			job.Rejected = append(job.Rejected, merry.Wrap(err, merry.WithMessagef("participant %d (%s): %v", i, p.Name, err)))
			continue
		}
		job.Tracks = append(job.Tracks, track)
	}

	if len(job.Tracks) == 0 {
		return nil, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job %s: none of %d participants is valid", msg.RecordID, len(msg.Participants)))
	}

	if horizon := Horizon(job.Tracks); horizon > maxHorizon {
		return nil, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job %s: timeline of %d seconds exceeds the limit of %d", msg.RecordID, horizon, maxHorizon))
	}

	return job, nil
}

// SourcePaths returns the distinct source files referenced by the job.
func (j *Job) SourcePaths() []string {
	return SourcePaths(j.Tracks)
}

func newParticipantTrack(p models.Participant, meetingStart time.Time, zoned bool, sourceDir string) (Track, error) {
	if p.VideoFilePath == "" {
		return Track{}, merry.Wrap(ErrValidation, merry.WithMessage("invalid job: video_file_path is required"))
	}

	start, startZoned, err := parseTimestamp(p.StartTime)
	if err != nil {
		return Track{}, err
	}
	end, endZoned, err := parseTimestamp(p.EndTime)
	if err != nil {
		return Track{}, err
	}
	if startZoned != zoned || endZoned != zoned {
		return Track{}, merry.Wrap(ErrValidation, merry.WithMessage("invalid job: participant and meeting timestamps mix zoned and zone-less forms"))
	}

	return NewTrack(
		resolvePath(sourceDir, p.VideoFilePath),
		offsetSeconds(meetingStart, start),
		offsetSeconds(meetingStart, end),
		p.Name,
	)
}

// offsetSeconds truncates toward zero, so a participant joining 0.9s before
// the meeting start still lands on second 0. Sub saturates instead of
// overflowing for timestamps centuries apart.
func offsetSeconds(meetingStart, ts time.Time) int {
	return int(ts.Sub(meetingStart) / time.Second)
}

func resolvePath(sourceDir, p string) string {
	if filepath.IsAbs(p) || sourceDir == "" {
		return p
	}
	return filepath.Join(sourceDir, p)
}
