// Package export renders a session's submissions and entries to CSV and
// uploads the artifact to object storage.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"bandbeat/api/internal/store"
)

// BuildSessionCSV renders one row per submission with the members entered on
// each part. memberNames maps member ids to display names for readable cells.
func BuildSessionCSV(session store.Session, subs []store.Submission, entries []store.Entry, memberNames map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"title", "artist", "submitted_by", "audio_url", "score_url", "description"}
	for _, part := range store.InstrumentalParts {
		header = append(header, strings.ToLower(string(part)))
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	entriesBySong := make(map[string][]store.Entry)
	for _, entry := range entries {
		entriesBySong[entry.SongID] = append(entriesBySong[entry.SongID], entry)
	}

	displayName := func(id string) string {
		if name, ok := memberNames[id]; ok && name != "" {
			return name
		}
		return id
	}

	for _, sub := range subs {
		row := []string{
			sub.TitleRaw,
			sub.ArtistRaw,
			displayName(sub.UserID),
			sub.AudioURL,
			sub.ScoreURL,
			sub.Description,
		}
		for _, part := range store.InstrumentalParts {
			var names []string
			for _, entry := range entriesBySong[sub.ID()] {
				for _, claimed := range entry.Parts {
					if claimed == part {
						names = append(names, displayName(entry.MemberUID))
					}
				}
			}
			row = append(row, strings.Join(names, " / "))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ObjectName is the storage key for a session's export artifact.
func ObjectName(sessionID string) string {
	return fmt.Sprintf("sessions/%s/songs.csv", sessionID)
}
