package types

import "github.com/pkg/errors"

// DeliveryKind discriminates the delivery union.
type DeliveryKind uint8

const (
	// DeliverMessage is a method invocation on an object or promise.
	DeliverMessage DeliveryKind = iota + 1
	// DeliverNotify informs a subscribed vat of promise resolutions.
	DeliverNotify
	// DeliverStartVat is the first delivery made to a newly created vat.
	DeliverStartVat
	// DeliverBringOutYourDead directs a vat to perform garbage collection.
	DeliverBringOutYourDead
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliverMessage:
		return "message"
	case DeliverNotify:
		return "notify"
	case DeliverStartVat:
		return "startVat"
	case DeliverBringOutYourDead:
		return "bringOutYourDead"
	default:
		return "unknown"
	}
}

// Resolution records the settlement of one promise in kernel space.
type Resolution struct {
	Promise  KRef    `cbor:"promise"`
	Rejected bool    `cbor:"rejected"`
	Data     CapData `cbor:"data"`
}

// Delivery is one unit of work on the kernel run-queue. Exactly one crank
// processes a delivery; deliveries are executed in strict FIFO order.
//
// Field usage by kind:
//
//	message:           Target, Method, Args, Result (optional)
//	notify:            Vat, Resolutions
//	startVat:          Vat, Args
//	bringOutYourDead:  Vat
type Delivery struct {
	Kind DeliveryKind `cbor:"kind"`

	// Vat is the explicit destination for deliveries that are not routed
	// through an object reference.
	Vat VatID `cbor:"vat,omitempty"`

	Target KRef    `cbor:"target,omitempty"`
	Method string  `cbor:"method,omitempty"`
	Args   CapData `cbor:"args,omitempty"`
	Result KRef    `cbor:"result,omitempty"`

	Resolutions []Resolution `cbor:"resolutions,omitempty"`
}

// Validate checks internal consistency of the delivery union.
func (d Delivery) Validate() error {
	switch d.Kind {
	case DeliverMessage:
		if err := d.Target.Validate(); err != nil {
			return errors.Wrap(err, "message delivery target")
		}
		if d.Result != NoKRef && !d.Result.IsPromise() {
			return errors.Errorf("message result %q is not a promise", d.Result)
		}
	case DeliverNotify:
		if err := d.Vat.Validate(); err != nil {
			return errors.Wrap(err, "notify delivery vat")
		}
		if len(d.Resolutions) == 0 {
			return errors.New("notify delivery carries no resolutions")
		}
	case DeliverStartVat, DeliverBringOutYourDead:
		if err := d.Vat.Validate(); err != nil {
			return errors.Wrapf(err, "%s delivery vat", d.Kind)
		}
	default:
		return errors.Errorf("unknown delivery kind %d", d.Kind)
	}
	return nil
}

// VatResolution is Resolution in vat-local numbering.
type VatResolution struct {
	Promise  VRef       `cbor:"promise"`
	Rejected bool       `cbor:"rejected"`
	Data     VatCapData `cbor:"data"`
}

// VatDelivery is a Delivery after translation into one vat's local numbering.
// This is the exact value recorded in the vat's transcript.
type VatDelivery struct {
	Kind DeliveryKind `cbor:"kind"`

	Target VRef       `cbor:"target,omitempty"`
	Method string     `cbor:"method,omitempty"`
	Args   VatCapData `cbor:"args,omitempty"`
	Result VRef       `cbor:"result,omitempty"`

	Resolutions []VatResolution `cbor:"resolutions,omitempty"`
}
