package client

import (
	"sync"

	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// subscribers is a list of callbacks of one message category.
type subscribers[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	list   []subscriber[T]
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.list {
				if sub.id == id {
					s.list = append(s.list[:i:i], s.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.RLock()
	list := s.list
	s.mu.RUnlock()
	for _, sub := range list {
		sub.fn(v)
	}
}

// Dispatcher fans decoded messages out to subscribers. Callbacks run on the
// connection loop and must not block; use Connection.Invoke to call back into
// the connection.
type Dispatcher struct {
	images      subscribers[*message.Image]
	rawImages   subscribers[protocol.Frame]
	meshes      subscribers[*message.Mesh]
	transforms  subscribers[*message.Transform]
	calibration subscribers[*message.Transform]
	probes      subscribers[*message.ProbeDefinition]
	usStatus    subscribers[*message.USStatus]
	status      subscribers[*message.Status]
	strings     subscribers[*message.String]

	connected    subscribers[struct{}]
	disconnected subscribers[struct{}]
	errors       subscribers[TransportError]
}

// NewDispatcher creates a dispatcher without subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Each OnX registers fn and returns a function removing it again.
func (d *Dispatcher) OnImage(fn func(*message.Image)) func()                     { return d.images.add(fn) }
func (d *Dispatcher) OnRawImage(fn func(protocol.Frame)) func()                  { return d.rawImages.add(fn) }
func (d *Dispatcher) OnMesh(fn func(*message.Mesh)) func()                       { return d.meshes.add(fn) }
func (d *Dispatcher) OnTransform(fn func(*message.Transform)) func()             { return d.transforms.add(fn) }
func (d *Dispatcher) OnCalibration(fn func(*message.Transform)) func()           { return d.calibration.add(fn) }
func (d *Dispatcher) OnProbeDefinition(fn func(*message.ProbeDefinition)) func() { return d.probes.add(fn) }
func (d *Dispatcher) OnUSStatus(fn func(*message.USStatus)) func()               { return d.usStatus.add(fn) }
func (d *Dispatcher) OnStatus(fn func(*message.Status)) func()                   { return d.status.add(fn) }
func (d *Dispatcher) OnString(fn func(*message.String)) func()                   { return d.strings.add(fn) }

// OnConnected is called once the transport is established.
func (d *Dispatcher) OnConnected(fn func()) func() {
	return d.connected.add(func(struct{}) { fn() })
}

// OnDisconnected is called after the transport is torn down, whether by
// Disconnect or by a failure.
func (d *Dispatcher) OnDisconnected(fn func()) func() {
	return d.disconnected.add(func(struct{}) { fn() })
}

// OnError is called for transport and framing failures.
func (d *Dispatcher) OnError(fn func(TransportError)) func() {
	return d.errors.add(fn)
}

// dialect.Sink
func (d *Dispatcher) Image(im *message.Image)                    { d.images.emit(im) }
func (d *Dispatcher) RawImage(f protocol.Frame)                  { d.rawImages.emit(f) }
func (d *Dispatcher) Mesh(m *message.Mesh)                       { d.meshes.emit(m) }
func (d *Dispatcher) Transform(t *message.Transform)             { d.transforms.emit(t) }
func (d *Dispatcher) Calibration(t *message.Transform)           { d.calibration.emit(t) }
func (d *Dispatcher) ProbeDefinition(p *message.ProbeDefinition) { d.probes.emit(p) }
func (d *Dispatcher) USStatus(u *message.USStatus)               { d.usStatus.emit(u) }
func (d *Dispatcher) Status(s *message.Status)                   { d.status.emit(s) }
func (d *Dispatcher) String(s *message.String)                   { d.strings.emit(s) }

func (d *Dispatcher) emitConnected()               { d.connected.emit(struct{}{}) }
func (d *Dispatcher) emitDisconnected()            { d.disconnected.emit(struct{}{}) }
func (d *Dispatcher) emitError(err TransportError) { d.errors.emit(err) }
