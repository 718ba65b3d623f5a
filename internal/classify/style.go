package classify

// Style is the display treatment of an event.
type Style struct {
	Name  string `json:"name"` // "entry" | "exit" | "break" | "lunch"
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

var (
	StyleEntry = Style{Name: "entry", Color: "#28a745", Icon: "🟢"}
	StyleExit  = Style{Name: "exit", Color: "#dc3545", Icon: "🔴"}
	StyleBreak = Style{Name: "break", Color: "#ffc107", Icon: "☕"}
	StyleLunch = Style{Name: "lunch", Color: "#17a2b8", Icon: "🍽️"}
)

// StyleFor picks the display style: exit beats break, break beats lunch,
// everything else gets entry styling.
func StyleFor(e Event) Style {
	switch {
	case e.Kind == KindExit:
		return StyleExit
	case e.IsBreak:
		return StyleBreak
	case e.IsLunch:
		return StyleLunch
	default:
		return StyleEntry
	}
}
