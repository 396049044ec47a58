// Package amqpengine implements the single-session, single-sender,
// single-receiver-link AMQP 1.0 subset this transport needs: a
// protocol engine that turns a byte stream into performatives and
// application deliveries, and back.
package amqpengine

// Kind identifies which performative (or heartbeat) an envelope carries.
type Kind uint8

const (
	KindSASLInit    Kind = 0
	KindOpen        Kind = 1
	KindBegin       Kind = 2
	KindAttach      Kind = 3
	KindFlow        Kind = 4
	KindTransfer    Kind = 5
	KindDisposition Kind = 6
	KindDetach      Kind = 7
	KindEnd         Kind = 8
	KindClose       Kind = 9
	KindEmpty       Kind = 10 // idle-timeout heartbeat, carries no body
)

func (k Kind) String() string {
	switch k {
	case KindSASLInit:
		return "sasl-init"
	case KindOpen:
		return "open"
	case KindBegin:
		return "begin"
	case KindAttach:
		return "attach"
	case KindFlow:
		return "flow"
	case KindTransfer:
		return "transfer"
	case KindDisposition:
		return "disposition"
	case KindDetach:
		return "detach"
	case KindEnd:
		return "end"
	case KindClose:
		return "close"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// LinkRole distinguishes a link's two ends.
type LinkRole uint8

const (
	RoleSender   LinkRole = 0
	RoleReceiver LinkRole = 1
)

// Outcome is the terminal disposition state of a delivery, collapsing
// AMQP's five-outcome model (accepted/rejected/released/modified/
// unsettled) down to the three that matter to an application: accepted,
// rejected (covering rejected/released/modified), or still outstanding.
type Outcome uint8

const (
	OutcomeAccepted Outcome = 0
	OutcomeRejected Outcome = 1
)

func (o Outcome) String() string {
	if o == OutcomeAccepted {
		return "accepted"
	}
	return "rejected"
}

// envelope is the single CBOR-encoded struct every frame on the wire
// is. Exactly one of the Kind-named fields is populated, matching Kind.
type envelope struct {
	Kind        Kind              `cbor:"1,keyasint"`
	SASLInit    *saslInitFrame    `cbor:"2,keyasint,omitempty"`
	Open        *openFrame        `cbor:"3,keyasint,omitempty"`
	Begin       *beginFrame       `cbor:"4,keyasint,omitempty"`
	Attach      *attachFrame      `cbor:"5,keyasint,omitempty"`
	Flow        *flowFrame        `cbor:"6,keyasint,omitempty"`
	Transfer    *transferFrame    `cbor:"7,keyasint,omitempty"`
	Disposition *dispositionFrame `cbor:"8,keyasint,omitempty"`
	Detach      *detachFrame      `cbor:"9,keyasint,omitempty"`
	End         *endFrame         `cbor:"10,keyasint,omitempty"`
	Close       *closeFrame       `cbor:"11,keyasint,omitempty"`
}

// saslInitFrame carries the PLAIN-mechanism handshake this engine
// sends ahead of open. The connection is already mutually
// authenticated by the TLS layer below it, so the SASL credentials
// never travel on the wire in the clear: SessionLabel is an
// HKDF-SHA256 digest over the configured username/password, letting
// each side log a matching session label without exchanging the
// secret itself.
type saslInitFrame struct {
	Mechanism    string `cbor:"1,keyasint"`
	SessionLabel []byte `cbor:"2,keyasint,omitempty"`
}

// openFrame negotiates the connection.
type openFrame struct {
	ContainerID string `cbor:"1,keyasint"`
	Hostname    string `cbor:"2,keyasint,omitempty"`
	IdleTimeout int64  `cbor:"3,keyasint,omitempty"` // milliseconds
}

// beginFrame establishes the connection's single session.
type beginFrame struct {
	NextOutgoingID uint32 `cbor:"1,keyasint"`
}

// attachFrame establishes one of the connection's two links.
type attachFrame struct {
	Name string   `cbor:"1,keyasint"`
	Role LinkRole `cbor:"2,keyasint"`
}

// flowFrame grants receiver credit, the mechanism behind credit-based
// inbound backpressure.
type flowFrame struct {
	LinkCredit uint32 `cbor:"1,keyasint"`
}

// transferFrame carries one application delivery.
type transferFrame struct {
	DeliveryTag string `cbor:"1,keyasint"`
	Settled     bool   `cbor:"2,keyasint"`
	Payload     []byte `cbor:"3,keyasint"`
}

// dispositionFrame reports the outcome of a delivery back to its sender.
type dispositionFrame struct {
	DeliveryTag string  `cbor:"1,keyasint"`
	Outcome     Outcome `cbor:"2,keyasint"`
}

// detachFrame closes one link.
type detachFrame struct {
	Name  string `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

// endFrame closes the session.
type endFrame struct {
	Error string `cbor:"1,keyasint,omitempty"`
}

// closeFrame closes the connection.
type closeFrame struct {
	Error string `cbor:"1,keyasint,omitempty"`
}
