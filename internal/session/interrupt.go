package session

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// UserQuit requests shutdown on behalf of the operator. Only the call that
// wins prints the notice.
func UserQuit(state *State, out io.Writer, reason string) {
	if state.RequestShutdown(reason) && out != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "streaming ended by the user")
	}
}

// NotifyInterrupt relays the given signals, os.Interrupt and SIGTERM by
// default, into state. The returned func stops the relay.
func NotifyInterrupt(state *State, out io.Writer, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				UserQuit(state, out, sig.String())
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
