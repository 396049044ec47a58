package amqpengine

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ledgernet/peernode/pkg/protolog"
)

// connState is the connection-level lifecycle the engine walks
// through; it mirrors AMQP's open/begin/attach handshake collapsed
// into one linear sequence since this engine only ever negotiates a
// single session with a single sender and a single receiver link.
type connState uint8

const (
	stateUnopened connState = iota
	stateOpenSent
	stateOpenReceived
	stateActive
	stateClosing
	stateClosed
)

// DeliveryState is the terminal or in-flight state of an outbound
// delivery, tracked by MessageHandle.
type DeliveryState uint8

const (
	DeliveryUnsettled DeliveryState = iota
	DeliveryAccepted
	DeliveryRejected
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryAccepted:
		return "accepted"
	case DeliveryRejected:
		return "rejected"
	default:
		return "unsettled"
	}
}

// MessageHandle tracks one outbound delivery from EnqueueSend through
// to its terminal disposition.
type MessageHandle struct {
	Tag   string
	State DeliveryState
}

// Inbound is a decoded application message delivered to the caller via
// DrainInbound, still awaiting an application-level accept/reject
// through Complete.
type Inbound struct {
	Tag     string
	Payload []byte
}

// Config controls engine behavior.
type Config struct {
	ContainerID  string
	Hostname     string
	IdleTimeout  time.Duration
	LinkCredit   uint32 // credit granted to the peer's sender link, re-granted by Tick
	MaxFrameSize uint32
	Logger       protolog.Logger
	ConnectionID string

	// SASLUsername/SASLPassword identify this session at the AMQP
	// layer, on top of the mutual TLS authentication the transport
	// below already performs. Neither travels on the wire; Open
	// derives an HKDF-SHA256 session label from them instead.
	SASLUsername string
	SASLPassword []byte
}

// saslSessionLabel derives a non-secret session label from the
// configured SASL credentials, so both ends of the connection can log
// a matching value without the password crossing the wire.
func saslSessionLabel(username string, password []byte) []byte {
	label := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, password, []byte(username), []byte("amqpengine-sasl-plain")), label); err != nil {
		return nil
	}
	return label
}

func (c *Config) logger() protolog.Logger {
	if c.Logger == nil {
		return protolog.NoopLogger{}
	}
	return c.Logger
}

// Engine is a single-session, single-sender-link, single-receiver-link
// AMQP 1.0 protocol engine. It has no socket of its own: callers feed
// it inbound bytes and drain outbound bytes, which keeps it equally
// usable over a TLS connection, a test pipe, or a replayed capture.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state connState
	in    *frameAccumulator
	out   []byte

	// flow control
	sendCredit uint32 // credit we've been granted to send transfers
	recvCredit uint32 // credit we've granted the peer's sender

	pending  map[string]*MessageHandle
	inbound  []Inbound
	lastTick time.Time

	closeErr error
}

// NewEngine creates an unopened engine. Call Open to begin the
// handshake and DrainOutbound to obtain the bytes to send.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		state:    stateUnopened,
		in:       newFrameAccumulator(cfg.MaxFrameSize),
		pending:  make(map[string]*MessageHandle),
		lastTick: time.Now(),
	}
}

// Open queues the open/begin/attach handshake frames for sending.
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateUnopened {
		return fmt.Errorf("amqpengine: Open called in state %d", e.state)
	}

	if e.cfg.SASLUsername != "" {
		e.queue(envelope{Kind: KindSASLInit, SASLInit: &saslInitFrame{
			Mechanism:    "PLAIN",
			SessionLabel: saslSessionLabel(e.cfg.SASLUsername, e.cfg.SASLPassword),
		}})
	}

	e.queue(envelope{Kind: KindOpen, Open: &openFrame{
		ContainerID: e.cfg.ContainerID,
		Hostname:    e.cfg.Hostname,
		IdleTimeout: e.cfg.IdleTimeout.Milliseconds(),
	}})
	e.queue(envelope{Kind: KindBegin, Begin: &beginFrame{NextOutgoingID: 0}})
	e.queue(envelope{Kind: KindAttach, Attach: &attachFrame{Name: "sender-link", Role: RoleSender}})
	e.queue(envelope{Kind: KindAttach, Attach: &attachFrame{Name: "receiver-link", Role: RoleReceiver}})
	if e.cfg.LinkCredit > 0 {
		e.grantCreditLocked(e.cfg.LinkCredit)
	}

	e.state = stateOpenSent
	e.trace(protolog.CategoryState, &protolog.StateChangeEvent{OldState: "Unopened", NewState: "OpenSent"})
	return nil
}

// FeedInbound hands the engine newly read bytes off the wire.
func (e *Engine) FeedInbound(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.in.feed(data)
	for {
		frame, ok, err := e.in.next()
		if err != nil {
			e.closeErr = err
			e.state = stateClosed
			return err
		}
		if !ok {
			return nil
		}
		if err := e.handleFrame(frame); err != nil {
			e.closeErr = err
			e.state = stateClosed
			return err
		}
	}
}

// DrainOutbound returns and clears whatever bytes are queued to send.
func (e *Engine) DrainOutbound() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.out
	e.out = nil
	return out
}

// EnqueueSend queues an application payload for delivery and returns a
// handle tracking its disposition. Sending requires available credit:
// if none remains, the transfer is rejected outright rather than
// buffered, since only the peer-channel layer above knows whether it
// is safe to queue for later retry.
func (e *Engine) EnqueueSend(payload []byte) (*MessageHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateActive && e.state != stateOpenSent && e.state != stateOpenReceived {
		return nil, fmt.Errorf("amqpengine: EnqueueSend called in state %d", e.state)
	}
	if e.sendCredit == 0 {
		return nil, fmt.Errorf("amqpengine: no send credit available")
	}

	tag := uuid.NewString()
	handle := &MessageHandle{Tag: tag, State: DeliveryUnsettled}
	e.pending[tag] = handle
	e.sendCredit--

	e.queue(envelope{Kind: KindTransfer, Transfer: &transferFrame{
		DeliveryTag: tag,
		Settled:     false,
		Payload:     payload,
	}})
	e.trace(protolog.CategoryPerformative, &protolog.PerformativeEvent{Kind: "transfer", DeliveryTag: tag})

	return handle, nil
}

// Complete settles an inbound delivery by sending its disposition back
// to the sender.
func (e *Engine) Complete(tag string, accepted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome := OutcomeAccepted
	if !accepted {
		outcome = OutcomeRejected
	}
	e.queue(envelope{Kind: KindDisposition, Disposition: &dispositionFrame{
		DeliveryTag: tag,
		Outcome:     outcome,
	}})
	e.trace(protolog.CategoryDelivery, &protolog.DeliveryEvent{DeliveryTag: tag, Outcome: outcome.String()})
}

// DrainInbound returns and clears application messages delivered since
// the last call, ready for the caller to process and complete.
func (e *Engine) DrainInbound() []Inbound {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := e.inbound
	e.inbound = nil
	return msgs
}

// Tick performs time-based housekeeping: re-granting the full receiver
// credit window once less than half of it remains (whether or not the
// deliveries received so far have been completed), and emitting an
// idle-timeout heartbeat if at least IdleTimeout has passed since the
// previous Tick (or since NewEngine). Callers should invoke it
// periodically (e.g. every IdleTimeout/2).
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.LinkCredit > 0 && e.recvCredit < e.cfg.LinkCredit/2 {
		e.grantCreditLocked(e.cfg.LinkCredit)
	}

	if e.cfg.IdleTimeout > 0 && now.Sub(e.lastTick) >= e.cfg.IdleTimeout {
		e.queue(envelope{Kind: KindEmpty})
	}
	e.lastTick = now
}

// Close queues a close frame and marks the engine closing; once the
// peer's close/end/detach sequence is observed (or DrainOutbound's
// bytes are delivered and the transport is torn down), the caller
// should stop feeding or draining the engine.
func (e *Engine) Close(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed || e.state == stateClosing {
		return
	}
	e.queue(envelope{Kind: KindDetach, Detach: &detachFrame{Name: "sender-link", Error: reason}})
	e.queue(envelope{Kind: KindEnd, End: &endFrame{Error: reason}})
	e.queue(envelope{Kind: KindClose, Close: &closeFrame{Error: reason}})
	e.state = stateClosing
	e.trace(protolog.CategoryState, &protolog.StateChangeEvent{OldState: "Active", NewState: "Closing", Reason: reason})
}

func (e *Engine) grantCreditLocked(credit uint32) {
	e.recvCredit = credit
	e.queue(envelope{Kind: KindFlow, Flow: &flowFrame{LinkCredit: credit}})
	e.trace(protolog.CategoryPerformative, &protolog.PerformativeEvent{Kind: "flow"})
}

func (e *Engine) queue(env envelope) {
	body, err := marshal(env)
	if err != nil {
		// Only programmer error (an unencodable type) reaches here;
		// every envelope field is a plain struct of strings/bytes/ints.
		panic(fmt.Sprintf("amqpengine: marshal envelope: %v", err))
	}
	e.out = append(e.out, encodeFrame(body)...)
}

func (e *Engine) trace(category protolog.Category, payload any) {
	evt := protolog.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.cfg.ConnectionID,
		Direction:    protolog.DirectionOut,
		Layer:        protolog.LayerProtocol,
		Category:     category,
	}
	switch p := payload.(type) {
	case *protolog.PerformativeEvent:
		evt.Performative = p
	case *protolog.StateChangeEvent:
		evt.Category = protolog.CategoryState
		evt.StateChange = p
	case *protolog.DeliveryEvent:
		evt.Delivery = p
	}
	e.cfg.logger().Log(evt)
}

func (e *Engine) handleFrame(body []byte) error {
	var env envelope
	if err := unmarshal(body, &env); err != nil {
		return fmt.Errorf("amqpengine: decode frame: %w", err)
	}

	e.traceIn(env)

	switch env.Kind {
	case KindSASLInit:
		// traced by kind only via traceIn; no state change.
	case KindOpen:
		if e.state == stateOpenSent {
			e.state = stateOpenReceived
		}
	case KindBegin, KindAttach:
		if e.state == stateOpenReceived {
			e.state = stateActive
			e.trace(protolog.CategoryState, &protolog.StateChangeEvent{OldState: "OpenReceived", NewState: "Active"})
		}
	case KindFlow:
		if env.Flow != nil {
			e.sendCredit = env.Flow.LinkCredit
		}
	case KindTransfer:
		if env.Transfer != nil {
			if e.recvCredit == 0 {
				return fmt.Errorf("amqpengine: transfer received with no credit granted")
			}
			e.recvCredit--
			e.inbound = append(e.inbound, Inbound{Tag: env.Transfer.DeliveryTag, Payload: env.Transfer.Payload})
		}
	case KindDisposition:
		if env.Disposition != nil {
			if handle, ok := e.pending[env.Disposition.DeliveryTag]; ok {
				if env.Disposition.Outcome == OutcomeAccepted {
					handle.State = DeliveryAccepted
				} else {
					handle.State = DeliveryRejected
				}
				delete(e.pending, env.Disposition.DeliveryTag)
			}
		}
	case KindDetach, KindEnd, KindClose:
		e.state = stateClosed
		e.trace(protolog.CategoryState, &protolog.StateChangeEvent{OldState: "Active", NewState: "Closed"})
	case KindEmpty:
		// heartbeat; nothing to do beyond having observed liveness.
	}

	return nil
}

func (e *Engine) traceIn(env envelope) {
	switch env.Kind {
	case KindTransfer:
		tag := ""
		if env.Transfer != nil {
			tag = env.Transfer.DeliveryTag
		}
		e.traceInbound(protolog.CategoryPerformative, &protolog.PerformativeEvent{Kind: env.Kind.String(), DeliveryTag: tag})
	case KindSASLInit, KindDisposition, KindFlow, KindOpen, KindBegin, KindAttach, KindDetach, KindEnd, KindClose, KindEmpty:
		e.traceInbound(protolog.CategoryPerformative, &protolog.PerformativeEvent{Kind: env.Kind.String()})
	}
}

func (e *Engine) traceInbound(category protolog.Category, perf *protolog.PerformativeEvent) {
	e.cfg.logger().Log(protolog.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.cfg.ConnectionID,
		Direction:    protolog.DirectionIn,
		Layer:        protolog.LayerProtocol,
		Category:     category,
		Performative: perf,
	})
}

// PendingCount reports how many sent deliveries are still unsettled.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Active reports whether the handshake has completed.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateActive
}

// Closed reports whether the engine has torn down, either by local
// close or because the peer closed/ended/detached first.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateClosed
}

// Err returns the error that caused the engine to close, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}
