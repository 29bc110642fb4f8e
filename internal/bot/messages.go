package bot

import (
	"fmt"
	"strings"

	"bandbeat/api/internal/store"
)

// Trigger words. Kept as data so the recognized vocabulary is visible in one
// place instead of scattered through conditionals.
const (
	triggerSubmit = "提出"
	triggerCancel = "キャンセル"
	triggerHelp   = "ヘルプ"
	triggerStatus = "状況"
	triggerList   = "一覧"
	triggerDelete = "削除"
	triggerNone   = "なし"

	triggerFinishParts  = "選択終了"
	triggerFinishEntry  = "エントリー確定"
	triggerConfirmYes   = "提出する"
	triggerConfirmRedo  = "最初からやり直す"
)

var entryTriggers = []string{"エントリー", "参加"}

const (
	msgCancelled       = "キャンセルしたよ。"
	msgInternalError   = "エラーが発生したよ。もう一度最初からやり直してね。"
	msgUnknownState    = "状態がわからなくなったので最初に戻ったよ。「ヘルプ」で使い方を確認してね。"
	msgNoSession       = "いま開催中のセッションがないよ。次回の案内を待っててね。"
	msgOutOfSongPhase  = "いまは曲の提出期間じゃないよ。提出期間が始まったら案内するね。"
	msgOutOfEntryPhase = "いまはエントリー期間じゃないよ。エントリー期間が始まったら案内するね。"

	msgAskTitle       = "曲名は？"
	msgAskArtist      = "アーティスト名は？"
	msgAskAudioURL    = "音源のURLを送ってね。（なければ「なし」）"
	msgAskScoreURL    = "譜面のURLを送ってね。（なければ「なし」）"
	msgAskDescription = "補足があれば送ってね。（なければ「なし」）"

	msgAskPartsTitle   = "必要なパートを選んでね"
	msgAskMyPartsTitle = "自分が担当するパートを選んでね"
	msgNeedOnePart     = "パートを1つ以上選んでから「選択終了」を押してね。"
	msgPickFromButtons = "ボタンから選んでね。"

	msgConfirmChoice   = "内容を確認して「提出する」か「最初からやり直す」を選んでね。"
	msgRestart         = "OK、最初からやり直そう！"
	msgAlreadyHint     = "「削除」で消してから提出し直せるよ。"
	msgNoSubmission    = "今回はまだ提出していないよ。「提出」で始められるよ。"
	msgDeletedSong     = "提出を削除したよ。"
	msgNothingToDelete = "削除できる提出がないよ。"

	msgNoSongsYet        = "まだ曲が提出されていないよ。もう少し待っててね。"
	msgAskEntrySong      = "エントリーしたい曲の番号を送ってね。（例：1）"
	msgBadSongNumber     = "その番号の曲はないよ。もう一度番号を送ってね。"
	msgSongGone          = "その曲は見つからなかったよ。もう一度「エントリー」からやり直してね。"
	msgNoEntriesYet      = "まだエントリーしていないよ。「エントリー」で始められるよ。"
	msgNoEntryToDelete   = "削除できるエントリーがないよ。"
	msgDeleteEntryUsage  = "「削除 1」のように番号をつけて送ってね。"
	msgStatusUnavailable = "いま確認できる状況はないよ。"
)

var msgHelpSubmission = strings.Join([]string{
	"使い方だよ！",
	"「提出」：課題曲の提出を始める",
	"「状況」：自分の提出内容を確認する",
	"「一覧」：みんなの提出曲を見る",
	"「削除」：自分の提出を取り消す",
	"「キャンセル」：進行中の入力をやめる",
}, "\n")

var msgHelpEntry = strings.Join([]string{
	"使い方だよ！",
	"「エントリー」：演奏したい曲にエントリーする",
	"「状況」：自分のエントリーを確認する",
	"「一覧」：提出曲の一覧を見る",
	"「削除 1」：番号のエントリーを取り消す",
	"「キャンセル」：進行中の入力をやめる",
}, "\n")

var msgHelpIdle = strings.Join([]string{
	"使い方だよ！",
	"提出期間には「提出」で課題曲を出せるよ。",
	"エントリー期間には「エントリー」で演奏したい曲を選べるよ。",
	"「キャンセル」でいつでも入力をやめられるよ。",
}, "\n")

// partLabels maps part codes to the labels shown on buttons.
var partLabels = map[store.InstrumentalPart]string{
	store.PartVocal:   "ボーカル",
	store.PartChorus:  "コーラス",
	store.PartGuitar:  "ギター",
	store.PartGuitar2: "ギター2",
	store.PartBass:    "ベース",
	store.PartDrums:   "ドラム",
	store.PartKeys:    "キーボード",
	store.PartOther:   "その他",
}

func partLabel(part store.InstrumentalPart) string {
	if label, ok := partLabels[part]; ok {
		return label
	}
	return string(part)
}

func formatParts(parts []store.InstrumentalPart) string {
	if len(parts) == 0 {
		return "なし"
	}
	labels := make([]string, 0, len(parts))
	for _, part := range parts {
		labels = append(labels, partLabel(part))
	}
	return strings.Join(labels, "・")
}

func askReferenceURL(n int) string {
	return fmt.Sprintf("参考URL%dを送ってね。（なければ「なし」）", n)
}

func orNone(value string) string {
	if value == "" {
		return "なし"
	}
	return value
}

func formatSubmissionSummary(draft store.SubmissionDraft) string {
	lines := []string{
		"曲名：" + draft.Title,
		"アーティスト：" + draft.Artist,
		"音源：" + orNone(draft.AudioURL),
		"譜面：" + orNone(draft.ScoreURL),
	}
	refs := []string{draft.ReferenceURL1, draft.ReferenceURL2, draft.ReferenceURL3, draft.ReferenceURL4, draft.ReferenceURL5}
	for i, ref := range refs {
		if ref != "" {
			lines = append(lines, fmt.Sprintf("参考URL%d：%s", i+1, ref))
		}
	}
	lines = append(lines,
		"必要なパート："+formatParts(draft.Parts),
		"自分のパート："+formatParts(draft.MyParts),
		"補足："+orNone(draft.Description),
	)
	return strings.Join(lines, "\n")
}

func formatSubmissionStatus(sub store.Submission) string {
	draft := store.SubmissionDraft{
		Title:         sub.TitleRaw,
		Artist:        sub.ArtistRaw,
		AudioURL:      sub.AudioURL,
		ScoreURL:      sub.ScoreURL,
		ReferenceURL1: sub.ReferenceURL1,
		ReferenceURL2: sub.ReferenceURL2,
		ReferenceURL3: sub.ReferenceURL3,
		ReferenceURL4: sub.ReferenceURL4,
		ReferenceURL5: sub.ReferenceURL5,
		Description:   sub.Description,
		Parts:         sub.Parts,
		MyParts:       sub.MyParts,
	}
	return "いまの提出内容だよ！\n" + formatSubmissionSummary(draft)
}

func formatSongList(subs []store.Submission) string {
	lines := make([]string, 0, len(subs)+1)
	lines = append(lines, "提出されている曲だよ！")
	for i, sub := range subs {
		lines = append(lines, fmt.Sprintf("%d. %s / %s", i+1, sub.TitleRaw, sub.ArtistRaw))
		if sub.AudioURL != "" {
			lines = append(lines, "   "+sub.AudioURL)
		}
	}
	return strings.Join(lines, "\n")
}
