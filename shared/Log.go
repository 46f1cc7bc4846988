package shared

import (
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the logger every role writes send/receive events to
func NewLogger(debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func defaultEntry(log *logrus.Entry) *logrus.Entry {
	if log != nil {
		return log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// LogPacket records one datagram crossing the wire
func LogPacket(log *logrus.Entry, direction string, peer net.Addr, p Packet) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}

	fields := logrus.Fields{
		"direction": direction,
		"opcode":    p.Opcode().String(),
		"peer":      peer.String(),
	}
	switch pkt := p.(type) {
	case *RRQWRQPacket:
		fields["filename"] = pkt.Filename
		fields["mode"] = pkt.Mode
	case *DataPacket:
		fields["block"] = pkt.BlockNumber
		fields["bytes"] = len(pkt.Data)
	case *ACKPacket:
		fields["block"] = pkt.BlockNumber
	case *ErrorPacket:
		fields["code"] = uint16(pkt.ErrorCode)
		fields["message"] = pkt.ErrorMessage
	}
	log.WithFields(fields).Debug(direction)
}
