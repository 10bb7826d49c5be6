package system

import (
	"fmt"
	"net"
)

type ListenersOptions struct {
	Address    string
	HealthPort int
}

type Listeners struct {
	healthListener net.Listener
}

// NewListeners binds every enabled port up front so that the bound ports are
// known before the servers start.  A negative port disables the listener.
func NewListeners(opts *ListenersOptions) (*Listeners, error) {
	var err error
	l := &Listeners{}

	if opts.HealthPort >= 0 {
		l.healthListener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.HealthPort))
		if err != nil {
			l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *Listeners) BoundHealthPort() int {
	if l.healthListener == nil {
		return 0
	}
	return l.healthListener.Addr().(*net.TCPAddr).Port
}

func (l *Listeners) Close() error {
	if l.healthListener != nil {
		l.healthListener.Close()
		l.healthListener = nil
	}

	return nil
}
