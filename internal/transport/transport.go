// Package transport holds the contract between link shells and the engine.
package transport

// Handler receives the ordered event stream of one connection.
// *engine.Engine satisfies it.
type Handler interface {
	OnConnect()
	OnDisconnect()
	OnWrite(raw []byte)
}
