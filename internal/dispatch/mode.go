package dispatch

import "fmt"

// Mode is the admission policy for messages of the same chat.
type Mode int

const (
	// SerialPerChat starts a chat's next message only after its current
	// session has ended.
	SerialPerChat Mode = iota
	// FullyParallel starts any message as soon as a global slot is free.
	FullyParallel
)

func (m Mode) String() string {
	switch m {
	case SerialPerChat:
		return "serial-per-chat"
	case FullyParallel:
		return "fully-parallel"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the canonical names and the short aliases wait/all.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "serial-per-chat", "wait":
		return SerialPerChat, nil
	case "fully-parallel", "all":
		return FullyParallel, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode %q", s)
	}
}
