package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field names shared by every package.
const (
	KeyBuildID     = "build_id"
	KeyBuildStatus = "build_status"
	KeyRepo        = "repository"
	KeyBranch      = "branch"
	KeyScheme      = "scheme"
	KeyPlatform    = "platform"
	KeyRevision    = "revision"
	KeyCommand     = "command"
	KeyExitCode    = "exit_code"
	KeyStep        = "step"
	KeyWorker      = "worker"
	KeyQueueLen    = "queue_length"
	KeyDurationMS  = "duration_ms"
	KeyPath        = "path"
	KeyMethod      = "method"
	KeyStatus      = "status"
	KeyRemoteAddr  = "remote_addr"
	KeyError       = "error"
)

func BuildID(id string) slog.Attr        { return slog.String(KeyBuildID, id) }
func BuildStatus(s string) slog.Attr     { return slog.String(KeyBuildStatus, s) }
func Repository(r string) slog.Attr      { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr          { return slog.String(KeyBranch, b) }
func Scheme(s string) slog.Attr          { return slog.String(KeyScheme, s) }
func Platform(p string) slog.Attr        { return slog.String(KeyPlatform, p) }
func Revision(r string) slog.Attr        { return slog.String(KeyRevision, r) }
func Command(c string) slog.Attr         { return slog.String(KeyCommand, c) }
func ExitCode(code int) slog.Attr        { return slog.Int(KeyExitCode, code) }
func Step(name string) slog.Attr         { return slog.String(KeyStep, name) }
func Worker(id int) slog.Attr            { return slog.Int(KeyWorker, id) }
func QueueLength(n int) slog.Attr        { return slog.Int(KeyQueueLen, n) }
func Path(p string) slog.Attr            { return slog.String(KeyPath, p) }
func Duration(d time.Duration) slog.Attr { return slog.Int64(KeyDurationMS, d.Milliseconds()) }
func Method(m string) slog.Attr          { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr          { return slog.Int(KeyStatus, code) }
func RemoteAddr(a string) slog.Attr      { return slog.String(KeyRemoteAddr, a) }

// Error returns an error attribute; a nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
