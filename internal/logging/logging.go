// Package logging builds the zap logger shared by every swapbytes component.
package logging

import (
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level maps a -v count to a zap level:
// 0 warn, 1 info, 2 and above debug.
func Level(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// New returns a console logger writing to w (stderr when nil).
// Verbosity 2 adds caller information; 3 adds stack traces on warnings.
func New(verbosity int, w io.Writer) *zap.Logger {
	if w == nil {
		w = os.Stderr
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(w)), Level(verbosity))

	var opts []zap.Option
	if verbosity >= 2 {
		opts = append(opts, zap.AddCaller())
	}
	if verbosity >= 3 {
		opts = append(opts, zap.AddStacktrace(zapcore.WarnLevel))
	}
	return zap.New(core, opts...)
}

// Peer tags a log line with a peer's display alias.
func Peer(alias string) zap.Field {
	return zap.String("peer", alias)
}

// PeerID tags a log line with a full identity.
func PeerID(id peer.ID) zap.Field {
	return zap.Stringer("peerID", id)
}
