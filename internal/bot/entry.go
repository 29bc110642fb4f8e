package bot

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bandbeat/api/internal/store"
)

var deleteIndexPattern = regexp.MustCompile(`^削除[\s　]*([0-9]+)$`)

// parseDeleteIndex recognizes "削除 N" and returns the 1-based index.
func parseDeleteIndex(text string) (int, bool) {
	match := deleteIndexPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	index, err := strconv.Atoi(match[1])
	if err != nil || index < 1 {
		return 0, false
	}
	return index, true
}

// startEntry opens the entry dialogue by listing the session's songs. With no
// songs there is nothing to enter, so no state is taken.
func (e *Engine) startEntry(ctx context.Context, conv *conversation) error {
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return e.replyText(ctx, conv, msgNoSongsYet)
	}

	conv.state.ActiveSessionID = conv.session.ID
	conv.state.Entry = store.EntryDraft{}
	if err := e.saveState(ctx, conv, StateSelectEntrySong); err != nil {
		return err
	}
	return e.replyText(ctx, conv, formatSongList(subs), msgAskEntrySong)
}

func (e *Engine) continueEntry(ctx context.Context, conv *conversation) error {
	switch conv.state.State {
	case StateSelectEntrySong:
		return e.continueEntrySong(ctx, conv)
	case StateSelectEntryPart:
		return e.continueEntryPart(ctx, conv)
	}
	return fmt.Errorf("bot: unreachable entry state %s", conv.state.State)
}

// continueEntrySong resolves the numeric pick against the current song list
// and moves to part selection, preloading any existing entry so the toggles
// show what the member already claimed.
func (e *Engine) continueEntrySong(ctx context.Context, conv *conversation) error {
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		if err := e.resetState(ctx, conv); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgNoSongsYet)
	}

	index, err := strconv.Atoi(strings.TrimSpace(conv.text))
	if err != nil || index < 1 || index > len(subs) {
		return e.replyText(ctx, conv, formatSongList(subs), msgBadSongNumber)
	}

	song := subs[index-1]
	existing := []store.InstrumentalPart(nil)
	entries, err := e.rules.ListMemberEntries(ctx, conv.session.ID, conv.member.ID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.SongID == song.ID() {
			existing = entry.Parts
			break
		}
	}

	conv.state.Entry = store.EntryDraft{
		SongID:    song.ID(),
		SongTitle: song.TitleRaw,
		Parts:     existing,
	}
	if err := e.saveState(ctx, conv, StateSelectEntryPart); err != nil {
		return err
	}
	return e.replyChoice(ctx, conv,
		partsChoice(song.TitleRaw+" にエントリー", existing, song.Parts, triggerFinishEntry), "")
}

// continueEntryPart toggles parts until エントリー確定. Confirming with an
// empty selection withdraws the entry instead of saving a hollow one.
func (e *Engine) continueEntryPart(ctx context.Context, conv *conversation) error {
	song, err := e.entrySong(ctx, conv)
	if err != nil {
		return err
	}
	if song == nil {
		if err := e.resetState(ctx, conv); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgSongGone)
	}

	if conv.text == triggerFinishEntry {
		if len(conv.state.Entry.Parts) == 0 {
			if err := e.rules.RemoveEntry(ctx, conv.session.ID, conv.state.Entry.SongID, conv.member.ID); err != nil {
				return err
			}
			if err := e.resetState(ctx, conv); err != nil {
				return err
			}
			return e.replyText(ctx, conv, conv.state.Entry.SongTitle+" のエントリーを解除したよ。")
		}
		if err := e.rules.SaveEntry(ctx, conv.session.ID, conv.state.Entry.SongID, conv.member.ID, conv.state.Entry.Parts); err != nil {
			return err
		}
		if err := e.resetState(ctx, conv); err != nil {
			return err
		}
		return e.replyText(ctx, conv,
			conv.state.Entry.SongTitle+" にエントリーしたよ！\n担当："+formatParts(conv.state.Entry.Parts))
	}

	title := conv.state.Entry.SongTitle + " にエントリー"
	if !store.ValidInstrumentalPart(conv.text) {
		return e.replyChoice(ctx, conv,
			partsChoice(title, conv.state.Entry.Parts, song.Parts, triggerFinishEntry), msgPickFromButtons)
	}
	part := store.InstrumentalPart(conv.text)
	if len(song.Parts) > 0 && !containsPart(song.Parts, part) {
		return e.replyChoice(ctx, conv,
			partsChoice(title, conv.state.Entry.Parts, song.Parts, triggerFinishEntry), msgPickFromButtons)
	}

	conv.state.Entry.Parts = togglePart(conv.state.Entry.Parts, part)
	if err := e.saveState(ctx, conv, StateSelectEntryPart); err != nil {
		return err
	}
	return e.replyChoice(ctx, conv,
		partsChoice(title, conv.state.Entry.Parts, song.Parts, triggerFinishEntry), "")
}

// entrySong re-resolves the drafted song against the live submission list;
// nil means it was deleted mid-dialogue.
func (e *Engine) entrySong(ctx context.Context, conv *conversation) (*store.Submission, error) {
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID() == conv.state.Entry.SongID {
			return &subs[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) replyMyEntries(ctx context.Context, conv *conversation) error {
	entries, err := e.rules.ListMemberEntries(ctx, conv.session.ID, conv.member.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return e.replyText(ctx, conv, msgNoEntriesYet)
	}
	lines, err := e.describeEntries(ctx, conv, entries)
	if err != nil {
		return err
	}
	return e.replyText(ctx, conv, "いまのエントリーだよ！\n"+strings.Join(lines, "\n"))
}

// replyDeletableEntries shows the numbered list 削除 N operates on.
func (e *Engine) replyDeletableEntries(ctx context.Context, conv *conversation) error {
	entries, err := e.rules.ListMemberEntries(ctx, conv.session.ID, conv.member.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return e.replyText(ctx, conv, msgNoEntryToDelete)
	}
	lines, err := e.describeEntries(ctx, conv, entries)
	if err != nil {
		return err
	}
	return e.replyText(ctx, conv,
		"どのエントリーを削除する？\n"+strings.Join(lines, "\n"), msgDeleteEntryUsage)
}

// deleteEntryByIndex removes the Nth entry from the same ordering the delete
// list showed.
func (e *Engine) deleteEntryByIndex(ctx context.Context, conv *conversation, index int) error {
	entries, err := e.rules.ListMemberEntries(ctx, conv.session.ID, conv.member.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return e.replyText(ctx, conv, msgNoEntryToDelete)
	}
	if index > len(entries) {
		lines, err := e.describeEntries(ctx, conv, entries)
		if err != nil {
			return err
		}
		return e.replyText(ctx, conv,
			"その番号のエントリーはないよ。\n"+strings.Join(lines, "\n"), msgDeleteEntryUsage)
	}

	target := entries[index-1]
	if err := e.rules.RemoveEntry(ctx, conv.session.ID, target.SongID, conv.member.ID); err != nil {
		return err
	}
	title := e.songTitle(ctx, conv, target.SongID)
	return e.replyText(ctx, conv, title+" のエントリーを削除したよ。")
}

func (e *Engine) describeEntries(ctx context.Context, conv *conversation, entries []store.Entry) ([]string, error) {
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(subs))
	for _, sub := range subs {
		titles[sub.ID()] = sub.TitleRaw
	}
	lines := make([]string, 0, len(entries))
	for i, entry := range entries {
		title, ok := titles[entry.SongID]
		if !ok {
			title = "（削除された曲）"
		}
		lines = append(lines, fmt.Sprintf("%d. %s（%s）", i+1, title, formatParts(entry.Parts)))
	}
	return lines, nil
}

func (e *Engine) songTitle(ctx context.Context, conv *conversation, songID string) string {
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return "その曲"
	}
	for _, sub := range subs {
		if sub.ID() == songID {
			return sub.TitleRaw
		}
	}
	return "その曲"
}
