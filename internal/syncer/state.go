package syncer

import "fmt"

// State 是编排器的生命周期状态，仅由 Orchestrator 持有与修改。
type State int

const (
	StateStopped State = iota
	StateSyncing
	StateSynced
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateSyncing:
		return "SYNCING"
	case StateSynced:
		return "SYNCED"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText 让状态以字符串形式出现在 JSON 诊断输出中。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type jobKind int

const (
	jobCycle jobKind = iota + 1
	jobEvict
)

func (k jobKind) String() string {
	switch k {
	case jobCycle:
		return "cycle"
	case jobEvict:
		return "evict"
	default:
		return fmt.Sprintf("job(%d)", int(k))
	}
}
