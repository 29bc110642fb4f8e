package line

// Choice is a quick-choice button layout: a titled set of toggle options plus
// a finish button. Selected options render highlighted so the user sees the
// current selection reflected after every toggle.
type Choice struct {
	Title       string
	Options     []ChoiceOption
	FinishLabel string
}

type ChoiceOption struct {
	Label    string
	Value    string
	Selected bool
}

type flexBox struct {
	Type     string `json:"type"`
	Layout   string `json:"layout"`
	Margin   string `json:"margin,omitempty"`
	Spacing  string `json:"spacing,omitempty"`
	Contents []any  `json:"contents"`
}

type flexText struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Weight string `json:"weight,omitempty"`
	Size   string `json:"size,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
	Margin string `json:"margin,omitempty"`
}

type flexButton struct {
	Type   string     `json:"type"`
	Action flexAction `json:"action"`
	Style  string     `json:"style,omitempty"`
	Margin string     `json:"margin,omitempty"`
	Height string     `json:"height,omitempty"`
}

type flexAction struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

type flexBubble struct {
	Type string  `json:"type"`
	Body flexBox `json:"body"`
}

// renderChoiceBubble lays out option buttons three per row, with the finish
// button as a trailing link. A selected option shows a bracketed label and
// the primary style.
func renderChoiceBubble(choice Choice) flexBubble {
	buttons := make([]any, 0, len(choice.Options))
	for _, option := range choice.Options {
		label := option.Label
		style := "secondary"
		if option.Selected {
			label = "[" + option.Label + "]"
			style = "primary"
		}
		buttons = append(buttons, flexButton{
			Type:   "button",
			Action: flexAction{Type: "message", Label: label, Text: option.Value},
			Style:  style,
			Margin: "sm",
			Height: "sm",
		})
	}

	rows := make([]any, 0, (len(buttons)+2)/3)
	for i := 0; i < len(buttons); i += 3 {
		end := i + 3
		if end > len(buttons) {
			end = len(buttons)
		}
		rows = append(rows, flexBox{
			Type:     "box",
			Layout:   "horizontal",
			Contents: buttons[i:end],
		})
	}

	contents := []any{
		flexText{Type: "text", Text: choice.Title, Weight: "bold", Size: "md"},
		flexBox{Type: "box", Layout: "vertical", Margin: "lg", Spacing: "sm", Contents: rows},
	}
	if choice.FinishLabel != "" {
		contents = append(contents, flexButton{
			Type:   "button",
			Action: flexAction{Type: "message", Label: choice.FinishLabel, Text: choice.FinishLabel},
			Style:  "link",
			Margin: "md",
		})
	}

	return flexBubble{
		Type: "bubble",
		Body: flexBox{Type: "box", Layout: "vertical", Contents: contents},
	}
}
