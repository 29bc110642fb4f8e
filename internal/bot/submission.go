package bot

import (
	"context"
	"database/sql"
	"errors"

	"bandbeat/api/internal/line"
	"bandbeat/api/internal/store"
)

// startSubmission begins the song submission dialogue. An existing committed
// submission blocks a fresh start so the user deletes deliberately instead of
// clobbering it mid-flow.
func (e *Engine) startSubmission(ctx context.Context, conv *conversation) error {
	existing, err := e.rules.GetSubmission(ctx, conv.session.ID, conv.member.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil {
		return e.replyText(ctx, conv,
			"すでに提出済みだよ！\n"+existing.TitleRaw+" / "+existing.ArtistRaw,
			msgAlreadyHint)
	}

	conv.state.ActiveSessionID = conv.session.ID
	conv.state.Submission = store.SubmissionDraft{}
	conv.state.Entry = store.EntryDraft{}
	if err := e.saveState(ctx, conv, StateAskTitle); err != nil {
		return err
	}
	return e.replyText(ctx, conv, msgAskTitle)
}

// continueSubmission applies the user's answer to the pending question and
// advances exactly one step.
func (e *Engine) continueSubmission(ctx context.Context, conv *conversation) error {
	switch conv.state.State {
	case StateAskTitle:
		conv.state.Submission.Title = conv.text
		if err := e.saveState(ctx, conv, StateAskArtist); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgAskArtist)

	case StateAskArtist:
		conv.state.Submission.Artist = conv.text
		if err := e.saveState(ctx, conv, StateAskAudioURL); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgAskAudioURL)

	case StateAskAudioURL:
		conv.state.Submission.AudioURL = answerOrEmpty(conv.text)
		if err := e.saveState(ctx, conv, StateAskScoreURL); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgAskScoreURL)

	case StateAskScoreURL:
		conv.state.Submission.ScoreURL = answerOrEmpty(conv.text)
		if err := e.saveState(ctx, conv, StateAskReferenceURL1); err != nil {
			return err
		}
		return e.replyText(ctx, conv, askReferenceURL(1))

	case StateAskReferenceURL1, StateAskReferenceURL2, StateAskReferenceURL3, StateAskReferenceURL4, StateAskReferenceURL5:
		return e.continueReferenceURL(ctx, conv)

	case StateAskParts:
		return e.continuePartSelection(ctx, conv, partStepNeeded)

	case StateAskMyParts:
		return e.continuePartSelection(ctx, conv, partStepMine)

	case StateAskDescription:
		conv.state.Submission.Description = answerOrEmpty(conv.text)
		if err := e.saveState(ctx, conv, StateConfirm); err != nil {
			return err
		}
		return e.replyConfirm(ctx, conv)

	case StateConfirm:
		return e.continueConfirm(ctx, conv)
	}
	return errors.New("bot: unreachable submission state " + conv.state.State)
}

// continueReferenceURL collects up to five reference links. Answering なし on
// the first slot skips straight ahead; on later slots it just stops early.
func (e *Engine) continueReferenceURL(ctx context.Context, conv *conversation) error {
	slot := referenceSlot(conv.state.State)
	answer := answerOrEmpty(conv.text)
	switch slot {
	case 1:
		conv.state.Submission.ReferenceURL1 = answer
	case 2:
		conv.state.Submission.ReferenceURL2 = answer
	case 3:
		conv.state.Submission.ReferenceURL3 = answer
	case 4:
		conv.state.Submission.ReferenceURL4 = answer
	case 5:
		conv.state.Submission.ReferenceURL5 = answer
	}

	if answer == "" || slot == 5 {
		return e.askParts(ctx, conv)
	}

	next := referenceState(slot + 1)
	if err := e.saveState(ctx, conv, next); err != nil {
		return err
	}
	return e.replyText(ctx, conv, askReferenceURL(slot+1))
}

func (e *Engine) askParts(ctx context.Context, conv *conversation) error {
	conv.state.Submission.Parts = nil
	if err := e.saveState(ctx, conv, StateAskParts); err != nil {
		return err
	}
	return e.replyChoice(ctx, conv, partsChoice(msgAskPartsTitle, nil, nil, triggerFinishParts), "")
}

type partStep int

const (
	partStepNeeded partStep = iota
	partStepMine
)

// continuePartSelection handles both toggle steps. Every toggle re-renders the
// buttons so the current selection stays visible; 選択終了 with nothing picked
// re-prompts instead of advancing.
func (e *Engine) continuePartSelection(ctx context.Context, conv *conversation, step partStep) error {
	selected := conv.state.Submission.Parts
	title := msgAskPartsTitle
	if step == partStepMine {
		selected = conv.state.Submission.MyParts
		title = msgAskMyPartsTitle
	}

	if conv.text == triggerFinishParts {
		if len(selected) == 0 {
			return e.replyChoice(ctx, conv, partsChoice(title, selected, nil, triggerFinishParts), msgNeedOnePart)
		}
		if step == partStepNeeded {
			conv.state.Submission.MyParts = nil
			if err := e.saveState(ctx, conv, StateAskMyParts); err != nil {
				return err
			}
			return e.replyChoice(ctx, conv,
				partsChoice(msgAskMyPartsTitle, nil, conv.state.Submission.Parts, triggerFinishParts), "")
		}
		if err := e.saveState(ctx, conv, StateAskDescription); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgAskDescription)
	}

	if !store.ValidInstrumentalPart(conv.text) {
		allowed := []store.InstrumentalPart(nil)
		if step == partStepMine {
			allowed = conv.state.Submission.Parts
		}
		return e.replyChoice(ctx, conv, partsChoice(title, selected, allowed, triggerFinishParts), msgPickFromButtons)
	}

	part := store.InstrumentalPart(conv.text)
	if step == partStepNeeded {
		conv.state.Submission.Parts = togglePart(conv.state.Submission.Parts, part)
		if err := e.saveState(ctx, conv, StateAskParts); err != nil {
			return err
		}
		return e.replyChoice(ctx, conv,
			partsChoice(title, conv.state.Submission.Parts, nil, triggerFinishParts), "")
	}

	// My-part picks are limited to the parts the song needs.
	if !containsPart(conv.state.Submission.Parts, part) {
		return e.replyChoice(ctx, conv,
			partsChoice(title, selected, conv.state.Submission.Parts, triggerFinishParts), msgPickFromButtons)
	}
	conv.state.Submission.MyParts = togglePart(conv.state.Submission.MyParts, part)
	if err := e.saveState(ctx, conv, StateAskMyParts); err != nil {
		return err
	}
	return e.replyChoice(ctx, conv,
		partsChoice(title, conv.state.Submission.MyParts, conv.state.Submission.Parts, triggerFinishParts), "")
}

func (e *Engine) replyConfirm(ctx context.Context, conv *conversation) error {
	choice := confirmChoice()
	return e.replyChoice(ctx, conv, choice, formatSubmissionSummary(conv.state.Submission)+"\n\n"+msgConfirmChoice)
}

// continueConfirm commits or restarts. The commit is keyed by session and
// user, so a duplicated confirm tap lands on the same record.
func (e *Engine) continueConfirm(ctx context.Context, conv *conversation) error {
	switch conv.text {
	case triggerConfirmYes:
		sub, err := e.rules.CommitSubmission(ctx, conv.session.ID, conv.member.ID, conv.state.Submission)
		if err != nil {
			return err
		}
		if err := e.resetState(ctx, conv); err != nil {
			return err
		}
		return e.replyText(ctx, conv, "提出したよ！\n"+sub.TitleRaw+" / "+sub.ArtistRaw)

	case triggerConfirmRedo:
		conv.state.Submission = store.SubmissionDraft{}
		if err := e.saveState(ctx, conv, StateAskTitle); err != nil {
			return err
		}
		return e.replyText(ctx, conv, msgRestart, msgAskTitle)

	default:
		return e.replyConfirm(ctx, conv)
	}
}

func confirmChoice() line.Choice {
	return line.Choice{
		Title: "この内容で提出する？",
		Options: []line.ChoiceOption{
			{Label: triggerConfirmYes, Value: triggerConfirmYes, Selected: true},
			{Label: triggerConfirmRedo, Value: triggerConfirmRedo},
		},
	}
}

func answerOrEmpty(text string) string {
	if text == triggerNone {
		return ""
	}
	return text
}

func referenceSlot(state string) int {
	switch state {
	case StateAskReferenceURL1:
		return 1
	case StateAskReferenceURL2:
		return 2
	case StateAskReferenceURL3:
		return 3
	case StateAskReferenceURL4:
		return 4
	case StateAskReferenceURL5:
		return 5
	}
	return 0
}

func referenceState(slot int) string {
	switch slot {
	case 1:
		return StateAskReferenceURL1
	case 2:
		return StateAskReferenceURL2
	case 3:
		return StateAskReferenceURL3
	case 4:
		return StateAskReferenceURL4
	}
	return StateAskReferenceURL5
}
