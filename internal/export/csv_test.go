package export

import (
	"encoding/csv"
	"strings"
	"testing"

	"bandbeat/api/internal/store"
)

func TestBuildSessionCSV(t *testing.T) {
	session := store.Session{ID: "2026-09", Title: "September session"}
	subs := []store.Submission{
		{
			SessionID: "2026-09",
			UserID:    "mem_a",
			TitleRaw:  "Scuttle Buttin'",
			ArtistRaw: "Stevie Ray Vaughan",
			AudioURL:  "https://example.com/audio",
			Parts:     []store.InstrumentalPart{store.PartGuitar, store.PartBass, store.PartDrums},
		},
		{
			SessionID: "2026-09",
			UserID:    "mem_b",
			TitleRaw:  "Cissy Strut",
			ArtistRaw: "The Meters",
		},
	}
	entries := []store.Entry{
		{SessionID: "2026-09", SongID: "2026-09_mem_a", MemberUID: "mem_a", Parts: []store.InstrumentalPart{store.PartGuitar}},
		{SessionID: "2026-09", SongID: "2026-09_mem_a", MemberUID: "mem_b", Parts: []store.InstrumentalPart{store.PartBass, store.PartDrums}},
	}
	names := map[string]string{"mem_a": "Aki", "mem_b": "Ben"}

	data, err := BuildSessionCSV(session, subs, entries, names)
	if err != nil {
		t.Fatalf("BuildSessionCSV failed: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}

	header := records[0]
	if header[0] != "title" || header[len(header)-1] != "other" {
		t.Errorf("unexpected header: %v", header)
	}

	first := records[1]
	if first[0] != "Scuttle Buttin'" {
		t.Errorf("expected first song title, got %q", first[0])
	}
	if first[2] != "Aki" {
		t.Errorf("expected submitter display name, got %q", first[2])
	}

	// GT column should list Aki, BA and DR columns should list Ben.
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	if first[col["gt"]] != "Aki" {
		t.Errorf("expected Aki on guitar, got %q", first[col["gt"]])
	}
	if first[col["ba"]] != "Ben" {
		t.Errorf("expected Ben on bass, got %q", first[col["ba"]])
	}
	if first[col["dr"]] != "Ben" {
		t.Errorf("expected Ben on drums, got %q", first[col["dr"]])
	}

	second := records[2]
	if second[col["gt"]] != "" {
		t.Errorf("expected empty guitar column for song without entries, got %q", second[col["gt"]])
	}
}

func TestObjectName(t *testing.T) {
	if got := ObjectName("2026-09"); got != "sessions/2026-09/songs.csv" {
		t.Errorf("unexpected object name %q", got)
	}
}
