package store

import "time"

// InstrumentalPart is the closed set of parts a member can claim on a song.
type InstrumentalPart string

const (
	PartVocal  InstrumentalPart = "VO"
	PartChorus InstrumentalPart = "CHO"
	PartGuitar InstrumentalPart = "GT"
	PartGuitar2 InstrumentalPart = "GT2"
	PartBass   InstrumentalPart = "BA"
	PartDrums  InstrumentalPart = "DR"
	PartKeys   InstrumentalPart = "KEY"
	PartOther  InstrumentalPart = "OTHER"
)

// InstrumentalParts lists every valid part in display order.
var InstrumentalParts = []InstrumentalPart{
	PartVocal, PartChorus, PartGuitar, PartGuitar2,
	PartBass, PartDrums, PartKeys, PartOther,
}

func ValidInstrumentalPart(value string) bool {
	for _, part := range InstrumentalParts {
		if string(part) == value {
			return true
		}
	}
	return false
}

// Session lifecycle phases. Stored as stable strings; the order below is the
// order an admin advances a session through.
const (
	SessionDraft             = "draft"
	SessionCollectingSongs   = "collectingSongs"
	SessionCollectingEntries = "collectingEntries"
	SessionSelecting         = "selecting"
	SessionAdjustingEntries  = "adjustingEntries"
	SessionPublished         = "published"
)

var SessionStatuses = []string{
	SessionDraft,
	SessionCollectingSongs,
	SessionCollectingEntries,
	SessionSelecting,
	SessionAdjustingEntries,
	SessionPublished,
}

func ValidSessionStatus(value string) bool {
	for _, status := range SessionStatuses {
		if status == value {
			return true
		}
	}
	return false
}

type Member struct {
	ID                    string
	LineUserID            string
	DisplayName           string
	PhotoURL              string
	ProfileUpdatedAt      *time.Time
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	Approved              bool
	ApprovedAt            *time.Time
	Role                  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Session struct {
	ID           string
	Title        string
	Date         string
	Status       string
	ExportObject string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Submission is a member's candidate song collected through the bot flow.
// Keyed by the deterministic composite id {sessionID}_{userID} so that
// re-running the same commit never creates a duplicate.
type Submission struct {
	SessionID     string
	UserID        string
	TitleRaw      string
	ArtistRaw     string
	AudioURL      string
	ScoreURL      string
	ReferenceURL1 string
	ReferenceURL2 string
	ReferenceURL3 string
	ReferenceURL4 string
	ReferenceURL5 string
	Description   string
	Parts         []InstrumentalPart
	MyParts       []InstrumentalPart
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SubmissionID builds the composite document id for a submission.
func SubmissionID(sessionID, userID string) string {
	return sessionID + "_" + userID
}

func (s Submission) ID() string {
	return SubmissionID(s.SessionID, s.UserID)
}

// ReferenceURLs returns the non-empty reference links in declared order.
func (s Submission) ReferenceURLs() []string {
	all := []string{s.ReferenceURL1, s.ReferenceURL2, s.ReferenceURL3, s.ReferenceURL4, s.ReferenceURL5}
	urls := make([]string, 0, len(all))
	for _, u := range all {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Proposal is a member's candidate song created from the web dashboard.
// At most one exists per (session, proposer).
type Proposal struct {
	ID              string
	SessionID       string
	ProposerUID     string
	Title           string
	Artist          string
	Instrumentation string
	MyPart          InstrumentalPart
	SourceURL       string
	ScoreURL        string
	Notes           string
	SetlistOrder    *int
	Selected        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Entry is a member's claim on parts for one song within a session.
// SongID is either a submission composite id or a proposal id.
type Entry struct {
	SessionID      string
	SongID         string
	MemberUID      string
	Parts          []InstrumentalPart
	IsSelfProposal bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubmissionDraft holds in-progress answers for the submission dialogue.
type SubmissionDraft struct {
	Title         string             `json:"title,omitempty"`
	Artist        string             `json:"artist,omitempty"`
	AudioURL      string             `json:"audioUrl,omitempty"`
	ScoreURL      string             `json:"scoreUrl,omitempty"`
	ReferenceURL1 string             `json:"referenceUrl1,omitempty"`
	ReferenceURL2 string             `json:"referenceUrl2,omitempty"`
	ReferenceURL3 string             `json:"referenceUrl3,omitempty"`
	ReferenceURL4 string             `json:"referenceUrl4,omitempty"`
	ReferenceURL5 string             `json:"referenceUrl5,omitempty"`
	Description   string             `json:"description,omitempty"`
	Parts         []InstrumentalPart `json:"parts,omitempty"`
	MyParts       []InstrumentalPart `json:"myParts,omitempty"`
}

// EntryDraft holds in-progress answers for the entry dialogue.
type EntryDraft struct {
	SongID    string             `json:"songId,omitempty"`
	SongTitle string             `json:"songTitle,omitempty"`
	Parts     []InstrumentalPart `json:"parts,omitempty"`
}

// DialogueState is the persisted per-user conversation document. All dialogue
// continuity is reconstructed from it on every webhook invocation.
type DialogueState struct {
	LineUserID      string          `json:"lineUserId"`
	State           string          `json:"state"`
	ActiveSessionID string          `json:"activeSessionId,omitempty"`
	Submission      SubmissionDraft `json:"submission"`
	Entry           EntryDraft      `json:"entry"`
	StateUpdatedAt  time.Time       `json:"stateUpdatedAt"`
}
