package presence

// Kind selects which protocol a room speaks.
type Kind string

const (
	// KindGlobe keeps every client's marker set in sync with the room.
	KindGlobe Kind = "globe"
	// KindChat announces joins and leaves as chat events.
	KindChat Kind = "chat"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindGlobe, KindChat:
		return Kind(s), true
	default:
		return "", false
	}
}
