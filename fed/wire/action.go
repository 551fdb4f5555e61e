// Package wire defines the action message, the sole unit of exchange
// between federates, cores, and brokers, together with its transport
// codec.
package wire

import (
	"fmt"

	"github.com/federation-sim/federation-sim/fed/vtime"
)

// Command identifies the action a message carries. It is the first byte
// on the wire.
type Command uint8

const (
	CmdInvalid Command = iota

	// Priority commands. These are drained ahead of the main queue so
	// registration never starves behind payload traffic.
	CmdRegisterFederate
	CmdFederateAck
	CmdRegisterBroker
	CmdBrokerAck
	CmdRegisterEndpoint
	CmdRegisterPublication
	CmdRegisterSubscription
	CmdRegisterSrcFilter
	CmdRegisterDstFilter
	CmdHandleAck
	CmdInitRequest
	CmdDisconnect

	// Main-queue commands.
	CmdInitGrant
	CmdExecRequest
	CmdExecGrant
	CmdTimeRequest
	CmdTimeGrant
	CmdSendMessage
	CmdValueUpdate
	CmdRouteHint
	CmdDependency
	CmdError
	CmdLog
	CmdUnknownDestination
	CmdStop
)

var commandNames = map[Command]string{
	CmdInvalid:              "invalid",
	CmdRegisterFederate:     "register-federate",
	CmdFederateAck:          "federate-ack",
	CmdRegisterBroker:       "register-broker",
	CmdBrokerAck:            "broker-ack",
	CmdRegisterEndpoint:     "register-endpoint",
	CmdRegisterPublication:  "register-publication",
	CmdRegisterSubscription: "register-subscription",
	CmdRegisterSrcFilter:    "register-source-filter",
	CmdRegisterDstFilter:    "register-destination-filter",
	CmdHandleAck:            "handle-ack",
	CmdInitRequest:          "init-request",
	CmdInitGrant:            "init-grant",
	CmdExecRequest:          "exec-request",
	CmdExecGrant:            "exec-grant",
	CmdTimeRequest:          "time-request",
	CmdTimeGrant:            "time-grant",
	CmdSendMessage:          "message",
	CmdValueUpdate:          "value-update",
	CmdRouteHint:            "route-hint",
	CmdDependency:           "dependency",
	CmdError:                "error",
	CmdLog:                  "log",
	CmdUnknownDestination:   "unknown-destination",
	CmdDisconnect:           "disconnect",
	CmdStop:                 "stop",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// IsPriority reports whether c belongs on the broker priority queue.
func (c Command) IsPriority() bool {
	switch c {
	case CmdRegisterFederate, CmdFederateAck, CmdRegisterBroker, CmdBrokerAck,
		CmdRegisterEndpoint, CmdRegisterPublication, CmdRegisterSubscription,
		CmdRegisterSrcFilter, CmdRegisterDstFilter, CmdHandleAck,
		CmdInitRequest, CmdDisconnect:
		return true
	}
	return false
}

// Flag bits carried in ActionMessage.Flags.
const (
	FlagIterationConverged uint32 = 1 << iota
	FlagRequired
	FlagOptional
	FlagBrokerOrigin
	FlagProcessingComplete
	FlagIterative
	FlagAckError
)

// Handle acks carry the handle kind in the upper flag bits.
const KindShift = 16

// KindFromFlags extracts a handle-kind code stored with KindShift.
func KindFromFlags(flags uint32) int {
	return int(flags >> KindShift)
}

// ActionMessage is the tagged record every component exchanges. Routing
// fields that do not apply to a given command are left at their invalid
// sentinels.
type ActionMessage struct {
	Cmd          Command
	SourceID     int32 // originating federate or broker global id
	DestID       int32 // destination federate or broker global id
	SourceHandle int32
	DestHandle   int32
	RouteID      int32
	Time         vtime.Time
	Flags        uint32
	Payload      string // name, init string, log text, or error message
	Data         []byte // opaque user payload
}

// NewAction builds an ActionMessage for cmd with all routing fields set
// to their invalid sentinels.
func NewAction(cmd Command) ActionMessage {
	return ActionMessage{
		Cmd:          cmd,
		SourceID:     -1,
		DestID:       -1,
		SourceHandle: -1,
		DestHandle:   -1,
		RouteID:      -1,
	}
}

func (m ActionMessage) String() string {
	return fmt.Sprintf("%s src=%d dst=%d t=%s", m.Cmd, m.SourceID, m.DestID, m.Time)
}

// Message is the user-visible unit delivered on endpoint queues. The
// original source survives filter rewrites.
type Message struct {
	Source         string
	Destination    string
	OriginalSource string
	Time           vtime.Time
	Data           []byte
}
