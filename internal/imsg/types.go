package imsg

import "strconv"

// Type identifies the meaning of a message.
type Type uint32

// Message types exchanged between main, frontend and engine.
const (
	None Type = iota

	// Control requests relayed by the frontend to main.
	CtlLogVerbose
	CtlReload
	CtlShowMainInfo
	CtlMainInfo
	CtlEnd

	// SocketIPC carries one end of the frontend<->engine link.
	SocketIPC

	// Reconfiguration sequence sent by main to the engine.
	ReconfConf
	ReconfFilter
	ReconfFilterProc
	ReconfFilterNode
	ReconfEnd
)

var typeNames = map[Type]string{
	None:             "NONE",
	CtlLogVerbose:    "CTL_LOG_VERBOSE",
	CtlReload:        "CTL_RELOAD",
	CtlShowMainInfo:  "CTL_SHOW_MAIN_INFO",
	CtlMainInfo:      "CTL_MAIN_INFO",
	CtlEnd:           "CTL_END",
	SocketIPC:        "SOCKET_IPC",
	ReconfConf:       "RECONF_CONF",
	ReconfFilter:     "RECONF_FILTER",
	ReconfFilterProc: "RECONF_FILTER_PROC",
	ReconfFilterNode: "RECONF_FILTER_NODE",
	ReconfEnd:        "RECONF_END",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "TYPE_" + strconv.FormatUint(uint64(t), 10)
}
