package tcpclient

import (
	"context"
	"errors"
	"net"
)

type refusingDialer struct{}

func (refusingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}
