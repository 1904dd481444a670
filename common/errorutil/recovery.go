package errorutil

import (
	"context"
	"fmt"
	"runtime"

	logutil "github.com/ikenchina/fdwxact/common/log"
)

type RecoveryFallBackFunc func(interface{})

// Recovery must be deferred directly. Fallbacks replace the default stack log.
func Recovery(funcs ...RecoveryFallBackFunc) {
	if r := recover(); r != nil {
		recovered := false
		for _, fun := range funcs {
			if fun != nil {
				fun(r)
				recovered = true
			}
		}
		if !recovered {
			logutil.Logger(context.Background()).Sugar().Errorf("%v, STACK: %s", r, Stack())
		}
	}
}

// SafeGo runs fn in a goroutine that logs instead of crashing the process on panic.
// onPanic, if not nil, receives the recovered value.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer Recovery(func(r interface{}) {
			logutil.Logger(context.Background()).Sugar().Errorf("%v, STACK: %s", r, Stack())
			if onPanic != nil {
				onPanic(r)
			}
		})
		fn()
	}()
}

func Stack() []byte {
	buf := make([]byte, 1<<18)
	n := runtime.Stack(buf, false)
	return buf[0:n]
}

// PanicError wraps a recovered value so it can travel as an error.
func PanicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
