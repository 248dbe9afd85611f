package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command 是进入编排器的命令。
type Command int

const (
	CommandStart Command = iota + 1
	CommandStop
	CommandSync
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	case CommandSync:
		return "SYNC"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ParseCommand 解析 START/STOP/SYNC（大小写不敏感）。
func ParseCommand(raw string) (Command, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "START":
		return CommandStart, nil
	case "STOP":
		return CommandStop, nil
	case "SYNC":
		return CommandSync, nil
	default:
		return 0, fmt.Errorf("unknown command %q", raw)
	}
}

// CommandMessage 是命令的线上格式 {"type":"START"}。
type CommandMessage struct {
	Type string `json:"type"`
}

// Status 是编排器对外发布的进度状态。
type Status int

const (
	StatusChecking Status = iota + 1
	StatusDownloading
	StatusCleaning
	StatusDownloaded
	StatusError
	StatusCleared
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusDownloading:
		return "downloading"
	case StatusCleaning:
		return "cleaning"
	case StatusDownloaded:
		return "downloaded"
	case StatusError:
		return "error"
	case StatusCleared:
		return "cleared"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus 解析进度状态字符串。
func ParseStatus(raw string) (Status, error) {
	for s := StatusChecking; s <= StatusCleared; s++ {
		if s.String() == raw {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", raw)
}

// Progress 仅随 downloading 状态携带。
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Event 是一条进度消息。
type Event struct {
	Status Status
	Data   *Progress
}

type eventWire struct {
	Type   string    `json:"type"`
	Status string    `json:"status"`
	Data   *Progress `json:"data,omitempty"`
}

// MarshalJSON 输出 {"type":"progress","status":...,"data":{...}}。
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{Type: "progress", Status: e.Status.String(), Data: e.Data})
}

// UnmarshalJSON 解析进度消息，未知状态返回错误。
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	status, err := ParseStatus(wire.Status)
	if err != nil {
		return err
	}
	e.Status = status
	e.Data = wire.Data
	return nil
}

// Downloading 构造 downloading 事件。
func Downloading(current, total int) Event {
	return Event{
		Status: StatusDownloading,
		Data:   &Progress{Current: current, Total: total, Message: "Downloading..."},
	}
}
