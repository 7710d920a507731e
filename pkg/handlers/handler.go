package handlers

// Handler receives the lifecycle callbacks of the sockets attached to one
// route. The transport guarantees OnOpen is called first and OnClose exactly
// once, last; OnError may be followed by OnClose.
type Handler interface {
	OnOpen(c Conn)
	OnClose(c Conn)
	OnError(c Conn, err error)
	OnMessage(c Conn, payload []byte)
}
