package presence

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"mapsync/identity"
	"mapsync/packet"
)

// Command is the single ASCII digit following the two identifiers.
type Command byte

const (
	CmdAnnounce      Command = '0'
	CmdAnnounceReply Command = '1'
	CmdScriptReload  Command = '2'
	CmdScriptCall    Command = '3'
	CmdMapping       Command = '4'
	CmdMasterOn      Command = '5'
	CmdMasterOff     Command = '6'

	// cmdBinary marks a Message carrying a binary packet instead of a command.
	cmdBinary Command = 0
)

// frameHeaderSize is from_uid, to_uid and the command byte.
const frameHeaderSize = 2*identity.Length + 1

var (
	ErrMalformedFrame = errors.New("presence: malformed frame")
	ErrBadAddress     = errors.New("presence: malformed ip:port payload")
)

func (c Command) String() string {
	switch c {
	case CmdAnnounce:
		return "announce"
	case CmdAnnounceReply:
		return "announce_reply"
	case CmdScriptReload:
		return "script_reload"
	case CmdScriptCall:
		return "script_call"
	case CmdMapping:
		return "mapping"
	case CmdMasterOn:
		return "master_on"
	case CmdMasterOff:
		return "master_off"
	case cmdBinary:
		return "binary"
	default:
		return fmt.Sprintf("command(%q)", byte(c))
	}
}

// Message is an inbound datagram surfaced to the caller.
type Message struct {
	From       string
	To         string
	Command    Command
	Payload    string
	Packet     *packet.Packet
	Source     *net.UDPAddr
	ReceivedAt time.Time
}

// IsBinary reports whether the message carries a binary packet.
func (m Message) IsBinary() bool {
	return m.Packet != nil
}

// EncodeFrame builds a text frame.
func EncodeFrame(from, to string, cmd Command, payload string) ([]byte, error) {
	if len(from) != identity.Length || len(to) != identity.Length {
		return nil, fmt.Errorf("%w: identifiers must be %d bytes", ErrMalformedFrame, identity.Length)
	}
	buf := make([]byte, 0, frameHeaderSize+len(payload))
	buf = append(buf, from...)
	buf = append(buf, to...)
	buf = append(buf, byte(cmd))
	return append(buf, payload...), nil
}

// DecodeFrame splits a text frame.
func DecodeFrame(datagram []byte) (Message, error) {
	if len(datagram) < frameHeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(datagram))
	}
	return Message{
		From:    string(datagram[:identity.Length]),
		To:      string(datagram[identity.Length : 2*identity.Length]),
		Command: Command(datagram[2*identity.Length]),
		Payload: string(datagram[frameHeaderSize:]),
	}, nil
}

// FormatIPPort renders an announce payload.
func FormatIPPort(ip string, port uint16) string {
	return net.JoinHostPort(ip, strconv.FormatUint(uint64(port), 10))
}

// ParseIPPort splits an announce payload at its last ':'. The port must be
// a complete decimal uint16.
func ParseIPPort(payload string) (string, uint16, error) {
	idx := strings.LastIndexByte(payload, ':')
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, payload)
	}

	port, err := strconv.ParseUint(payload[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, payload)
	}

	ip := strings.TrimSuffix(strings.TrimPrefix(payload[:idx], "["), "]")
	if net.ParseIP(ip) == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, payload)
	}
	return ip, uint16(port), nil
}
