package bootstrap

import "time"

// SocketType distinguishes stream vs datagram sockets; nexio's core
// channel/handler model targets stream sockets (spec §1 scope).
type SocketType int

const (
	Stream SocketType = iota
	Datagram
)

// SocketOptions configures the terminal socket handler's underlying fd
// (spec §6 socket_options).
type SocketOptions struct {
	Type           SocketType
	ConnectTimeout time.Duration
	KeepAlive      bool
	KeepAliveTime  time.Duration
	ReusePort      bool
}
