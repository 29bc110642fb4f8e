// Package bot implements the multi-step chat dialogue engine. Every inbound
// message is handled statelessly: the conversation position is loaded from the
// dialogue state store, one transition is applied, and the new position is
// written back before replying.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"bandbeat/api/internal/line"
	"bandbeat/api/internal/store"
	"bandbeat/api/internal/userstate"
)

// profileStaleness is how old a cached LINE profile may get before the engine
// refreshes it opportunistically on the next message.
const profileStaleness = 72 * time.Hour

// InboundMessage is a single text message from a chat user.
type InboundMessage struct {
	UserID     string
	Text       string
	ReplyToken string
}

// StateStore persists per-user dialogue state between webhook invocations.
type StateStore interface {
	GetDialogueState(ctx context.Context, lineUserID string) (store.DialogueState, error)
	SaveDialogueState(ctx context.Context, state store.DialogueState) error
	ResetDialogueState(ctx context.Context, lineUserID string) error
}

// MemberDirectory resolves chat users to member records, creating a skeletal
// member on first contact.
type MemberDirectory interface {
	EnsureMemberByLineID(ctx context.Context, lineUserID string) (store.Member, error)
	UpdateMemberProfile(ctx context.Context, memberID, displayName, photoURL string) error
}

// ProfileFetcher looks up a chat user's display profile. May be nil when the
// messaging platform offers no profile API in the current configuration.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, lineUserID string) (displayName, photoURL string, err error)
}

// Replier sends outbound replies for a reply token.
type Replier interface {
	ReplyText(ctx context.Context, replyToken string, texts ...string) error
	ReplyChoice(ctx context.Context, replyToken string, choice line.Choice, beforeText string) error
}

// Rules is the session-gated mutation surface the dialogue flows commit
// through. Implemented by the application service so the bot and the web
// dashboard share one set of rules.
type Rules interface {
	CurrentSession(ctx context.Context) (store.Session, error)

	CommitSubmission(ctx context.Context, sessionID, userID string, draft store.SubmissionDraft) (store.Submission, error)
	DeleteSubmission(ctx context.Context, sessionID, userID string) error
	GetSubmission(ctx context.Context, sessionID, userID string) (store.Submission, error)
	ListSubmissions(ctx context.Context, sessionID string) ([]store.Submission, error)

	SaveEntry(ctx context.Context, sessionID, songID, memberUID string, parts []store.InstrumentalPart) error
	RemoveEntry(ctx context.Context, sessionID, songID, memberUID string) error
	ListMemberEntries(ctx context.Context, sessionID, memberUID string) ([]store.Entry, error)
}

// Engine drives the dialogue. One instance serves all users; all per-user
// context lives in the state store.
type Engine struct {
	states   StateStore
	members  MemberDirectory
	profiles ProfileFetcher
	rules    Rules
	replier  Replier
}

func NewEngine(states StateStore, members MemberDirectory, profiles ProfileFetcher, rules Rules, replier Replier) *Engine {
	return &Engine{
		states:   states,
		members:  members,
		profiles: profiles,
		rules:    rules,
		replier:  replier,
	}
}

// conversation carries one message's working set through the handlers.
type conversation struct {
	msg     InboundMessage
	text    string
	member  store.Member
	state   store.DialogueState
	session store.Session
	hasSession bool
}

// HandleEvent processes one inbound message end to end. A failure in any
// handler degrades to an apology reply plus a state reset; the error is never
// surfaced to the webhook caller, so the platform does not retry.
func (e *Engine) HandleEvent(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if msg.UserID == "" || text == "" {
		return
	}

	conv := &conversation{msg: msg, text: text}

	member, err := e.members.EnsureMemberByLineID(ctx, msg.UserID)
	if err != nil {
		e.degrade(ctx, msg, err)
		return
	}
	conv.member = member
	e.refreshProfile(ctx, member)

	conv.state, err = e.loadState(ctx, msg.UserID)
	if err != nil {
		e.degrade(ctx, msg, err)
		return
	}

	conv.session, conv.hasSession, err = e.currentSession(ctx)
	if err != nil {
		e.degrade(ctx, msg, err)
		return
	}

	if err := e.dispatch(ctx, conv); err != nil {
		e.degrade(ctx, msg, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, conv *conversation) error {
	// Global commands first, in priority order. They work from any state.
	switch conv.text {
	case triggerCancel:
		return e.handleCancel(ctx, conv)
	case triggerHelp:
		return e.handleHelp(ctx, conv)
	case triggerStatus:
		return e.handleStatus(ctx, conv)
	case triggerList:
		return e.handleList(ctx, conv)
	case triggerDelete:
		return e.handleDelete(ctx, conv)
	}

	// Mid-flow messages are answers to the pending question, but only while
	// the session is still in the phase the flow belongs to.
	switch {
	case inSubmissionFlow(conv.state.State):
		if !e.inPhase(conv, store.SessionCollectingSongs) {
			return e.replyText(ctx, conv, e.outOfPhaseMessage(conv, store.SessionCollectingSongs))
		}
		return e.continueSubmission(ctx, conv)
	case inEntryFlow(conv.state.State):
		if !e.inPhase(conv, store.SessionCollectingEntries) {
			return e.replyText(ctx, conv, e.outOfPhaseMessage(conv, store.SessionCollectingEntries))
		}
		return e.continueEntry(ctx, conv)
	}

	// Idle: flow starters and phase-local shorthands.
	if conv.text == triggerSubmit {
		if !e.inPhase(conv, store.SessionCollectingSongs) {
			return e.replyText(ctx, conv, e.outOfPhaseMessage(conv, store.SessionCollectingSongs))
		}
		return e.startSubmission(ctx, conv)
	}
	for _, trigger := range entryTriggers {
		if conv.text == trigger {
			if !e.inPhase(conv, store.SessionCollectingEntries) {
				return e.replyText(ctx, conv, e.outOfPhaseMessage(conv, store.SessionCollectingEntries))
			}
			return e.startEntry(ctx, conv)
		}
	}
	if index, ok := parseDeleteIndex(conv.text); ok {
		if !e.inPhase(conv, store.SessionCollectingEntries) {
			return e.replyText(ctx, conv, e.outOfPhaseMessage(conv, store.SessionCollectingEntries))
		}
		return e.deleteEntryByIndex(ctx, conv, index)
	}

	return e.handleHelp(ctx, conv)
}

func (e *Engine) handleCancel(ctx context.Context, conv *conversation) error {
	if err := e.states.ResetDialogueState(ctx, conv.msg.UserID); err != nil {
		return err
	}
	return e.replyText(ctx, conv, msgCancelled)
}

func (e *Engine) handleHelp(ctx context.Context, conv *conversation) error {
	switch {
	case e.inPhase(conv, store.SessionCollectingSongs):
		return e.replyText(ctx, conv, msgHelpSubmission)
	case e.inPhase(conv, store.SessionCollectingEntries):
		return e.replyText(ctx, conv, msgHelpEntry)
	default:
		return e.replyText(ctx, conv, msgHelpIdle)
	}
}

func (e *Engine) handleStatus(ctx context.Context, conv *conversation) error {
	switch {
	case e.inPhase(conv, store.SessionCollectingSongs):
		sub, err := e.rules.GetSubmission(ctx, conv.session.ID, conv.member.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return e.replyText(ctx, conv, msgNoSubmission)
		}
		if err != nil {
			return err
		}
		return e.replyText(ctx, conv, formatSubmissionStatus(sub))
	case e.inPhase(conv, store.SessionCollectingEntries):
		return e.replyMyEntries(ctx, conv)
	default:
		return e.replyText(ctx, conv, msgStatusUnavailable)
	}
}

func (e *Engine) handleList(ctx context.Context, conv *conversation) error {
	if !e.inPhase(conv, store.SessionCollectingSongs) && !e.inPhase(conv, store.SessionCollectingEntries) {
		return e.replyText(ctx, conv, msgStatusUnavailable)
	}
	subs, err := e.rules.ListSubmissions(ctx, conv.session.ID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return e.replyText(ctx, conv, msgNoSongsYet)
	}
	return e.replyText(ctx, conv, formatSongList(subs))
}

func (e *Engine) handleDelete(ctx context.Context, conv *conversation) error {
	switch {
	case e.inPhase(conv, store.SessionCollectingSongs):
		err := e.rules.DeleteSubmission(ctx, conv.session.ID, conv.member.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return e.replyText(ctx, conv, msgNothingToDelete)
		}
		if err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgDeletedSong)
	case e.inPhase(conv, store.SessionCollectingEntries):
		return e.replyDeletableEntries(ctx, conv)
	default:
		return e.replyText(ctx, conv, msgStatusUnavailable)
	}
}

func (e *Engine) loadState(ctx context.Context, lineUserID string) (store.DialogueState, error) {
	state, err := e.states.GetDialogueState(ctx, lineUserID)
	if errors.Is(err, userstate.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return store.DialogueState{LineUserID: lineUserID, State: StateIdle}, nil
	}
	if err != nil {
		return store.DialogueState{}, err
	}
	state.State = NormalizeState(state.State)
	return state, nil
}

func (e *Engine) currentSession(ctx context.Context) (store.Session, bool, error) {
	session, err := e.rules.CurrentSession(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, false, nil
	}
	if err != nil {
		return store.Session{}, false, err
	}
	return session, true, nil
}

func (e *Engine) inPhase(conv *conversation, phase string) bool {
	return conv.hasSession && conv.session.Status == phase
}

func (e *Engine) outOfPhaseMessage(conv *conversation, phase string) string {
	if !conv.hasSession {
		return msgNoSession
	}
	if phase == store.SessionCollectingSongs {
		return msgOutOfSongPhase
	}
	return msgOutOfEntryPhase
}

func (e *Engine) saveState(ctx context.Context, conv *conversation, state string) error {
	conv.state.State = state
	conv.state.LineUserID = conv.msg.UserID
	return e.states.SaveDialogueState(ctx, conv.state)
}

func (e *Engine) resetState(ctx context.Context, conv *conversation) error {
	return e.states.ResetDialogueState(ctx, conv.msg.UserID)
}

func (e *Engine) replyText(ctx context.Context, conv *conversation, texts ...string) error {
	return e.replier.ReplyText(ctx, conv.msg.ReplyToken, texts...)
}

func (e *Engine) replyChoice(ctx context.Context, conv *conversation, choice line.Choice, beforeText string) error {
	return e.replier.ReplyChoice(ctx, conv.msg.ReplyToken, choice, beforeText)
}

// degrade is the last-resort error path: log, forget the conversation, and
// apologize so the user is never stuck in a broken state.
func (e *Engine) degrade(ctx context.Context, msg InboundMessage, err error) {
	log.Printf("bot: dialogue failed for %s: %v", msg.UserID, err)
	if resetErr := e.states.ResetDialogueState(ctx, msg.UserID); resetErr != nil {
		log.Printf("bot: state reset failed for %s: %v", msg.UserID, resetErr)
	}
	if replyErr := e.replier.ReplyText(ctx, msg.ReplyToken, msgInternalError); replyErr != nil {
		log.Printf("bot: apology reply failed for %s: %v", msg.UserID, replyErr)
	}
}

// refreshProfile updates the cached display profile when it has gone stale.
// Best effort: a profile API failure never blocks the dialogue.
func (e *Engine) refreshProfile(ctx context.Context, member store.Member) {
	if e.profiles == nil {
		return
	}
	if member.ProfileUpdatedAt != nil && time.Since(*member.ProfileUpdatedAt) < profileStaleness {
		return
	}
	displayName, photoURL, err := e.profiles.GetProfile(ctx, member.LineUserID)
	if err != nil {
		log.Printf("bot: profile fetch failed for %s: %v", member.LineUserID, err)
		return
	}
	if err := e.members.UpdateMemberProfile(ctx, member.ID, displayName, photoURL); err != nil {
		log.Printf("bot: profile update failed for %s: %v", member.ID, err)
	}
}

// partsChoice renders the toggle buttons for a part selection step. When
// allowed is non-empty only those parts are offered.
func partsChoice(title string, selected []store.InstrumentalPart, allowed []store.InstrumentalPart, finishLabel string) line.Choice {
	offered := allowed
	if len(offered) == 0 {
		offered = store.InstrumentalParts
	}
	options := make([]line.ChoiceOption, 0, len(offered))
	for _, part := range offered {
		options = append(options, line.ChoiceOption{
			Label:    partLabel(part),
			Value:    string(part),
			Selected: containsPart(selected, part),
		})
	}
	return line.Choice{Title: title, Options: options, FinishLabel: finishLabel}
}

func containsPart(parts []store.InstrumentalPart, part store.InstrumentalPart) bool {
	for _, p := range parts {
		if p == part {
			return true
		}
	}
	return false
}

// togglePart flips membership of part in the selection, preserving the
// canonical display order.
func togglePart(selected []store.InstrumentalPart, part store.InstrumentalPart) []store.InstrumentalPart {
	if containsPart(selected, part) {
		kept := make([]store.InstrumentalPart, 0, len(selected)-1)
		for _, p := range selected {
			if p != part {
				kept = append(kept, p)
			}
		}
		return kept
	}
	next := append(append([]store.InstrumentalPart(nil), selected...), part)
	ordered := make([]store.InstrumentalPart, 0, len(next))
	for _, p := range store.InstrumentalParts {
		if containsPart(next, p) {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
