package safe

import (
	"runtime/debug"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers from panic,
// so one bad message or timer callback doesn't crash the process.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f in the current goroutine with the same recovery.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[SafeGo] panic recovered",
				zap.String("task", name),
				zap.Error(errs.ErrPanic(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	f()
}
