package bot

// Dialogue states. A user is always in exactly one of these; anything else
// found in storage normalizes back to StateIdle.
const (
	StateIdle            = "IDLE"
	StateAskTitle        = "ASK_TITLE"
	StateAskArtist       = "ASK_ARTIST"
	StateAskAudioURL     = "ASK_AUDIO_URL"
	StateAskScoreURL     = "ASK_SCORE_URL"
	StateAskReferenceURL1 = "ASK_REFERENCE_URL_1"
	StateAskReferenceURL2 = "ASK_REFERENCE_URL_2"
	StateAskReferenceURL3 = "ASK_REFERENCE_URL_3"
	StateAskReferenceURL4 = "ASK_REFERENCE_URL_4"
	StateAskReferenceURL5 = "ASK_REFERENCE_URL_5"
	StateAskParts        = "ASK_PARTS"
	StateAskMyParts      = "ASK_MY_PARTS"
	StateAskDescription  = "ASK_DESCRIPTION"
	StateConfirm         = "CONFIRM"
	StateSelectEntrySong = "SELECT_ENTRY_SONG"
	StateSelectEntryPart = "SELECT_ENTRY_PART"
)

var submissionStates = map[string]bool{
	StateAskTitle:         true,
	StateAskArtist:        true,
	StateAskAudioURL:      true,
	StateAskScoreURL:      true,
	StateAskReferenceURL1: true,
	StateAskReferenceURL2: true,
	StateAskReferenceURL3: true,
	StateAskReferenceURL4: true,
	StateAskReferenceURL5: true,
	StateAskParts:         true,
	StateAskMyParts:       true,
	StateAskDescription:   true,
	StateConfirm:          true,
}

var entryStates = map[string]bool{
	StateSelectEntrySong: true,
	StateSelectEntryPart: true,
}

// NormalizeState maps any persisted value onto the known state set,
// defaulting to StateIdle for unrecognized values.
func NormalizeState(state string) string {
	if state == StateIdle || submissionStates[state] || entryStates[state] {
		return state
	}
	return StateIdle
}

func inSubmissionFlow(state string) bool {
	return submissionStates[state]
}

func inEntryFlow(state string) bool {
	return entryStates[state]
}
