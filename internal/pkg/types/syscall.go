package types

import "github.com/pkg/errors"

// SyscallKind discriminates the syscall union.
type SyscallKind uint8

const (
	// SyscallSend queues a message to an object or promise.
	SyscallSend SyscallKind = iota + 1
	// SyscallSubscribe registers the vat for notification of a promise.
	SyscallSubscribe
	// SyscallResolve settles one or more promises the vat decides.
	SyscallResolve
	// SyscallExit requests self-termination of the vat.
	SyscallExit
	// SyscallVatstoreGet reads from the vat's private persistent store.
	SyscallVatstoreGet
	// SyscallVatstoreSet writes to the vat's private persistent store.
	SyscallVatstoreSet
	// SyscallVatstoreDelete removes a key from the vat's private store.
	SyscallVatstoreDelete
	// SyscallDropImports releases imported references the vat no longer holds.
	SyscallDropImports
)

func (k SyscallKind) String() string {
	switch k {
	case SyscallSend:
		return "send"
	case SyscallSubscribe:
		return "subscribe"
	case SyscallResolve:
		return "resolve"
	case SyscallExit:
		return "exit"
	case SyscallVatstoreGet:
		return "vatstoreGet"
	case SyscallVatstoreSet:
		return "vatstoreSet"
	case SyscallVatstoreDelete:
		return "vatstoreDelete"
	case SyscallDropImports:
		return "dropImports"
	default:
		return "unknown"
	}
}

// Syscall is a vat-issued operation after translation into kernel space.
//
// Field usage by kind:
//
//	send:            Target, Method, Args, Result (optional)
//	subscribe:       Promise
//	resolve:         Resolutions
//	exit:            Failure, Info
//	vatstoreGet:     Key
//	vatstoreSet:     Key, Value
//	vatstoreDelete:  Key
//	dropImports:     Refs
type Syscall struct {
	Kind SyscallKind `cbor:"kind"`

	Target KRef    `cbor:"target,omitempty"`
	Method string  `cbor:"method,omitempty"`
	Args   CapData `cbor:"args,omitempty"`
	Result KRef    `cbor:"result,omitempty"`

	Promise     KRef         `cbor:"promise,omitempty"`
	Resolutions []Resolution `cbor:"resolutions,omitempty"`

	Failure bool    `cbor:"failure,omitempty"`
	Info    CapData `cbor:"info,omitempty"`

	Key   string `cbor:"key,omitempty"`
	Value []byte `cbor:"value,omitempty"`

	Refs []KRef `cbor:"refs,omitempty"`
}

// VatSyscall is the vat-local form of a syscall, exactly as the vat issued it.
// This is the form recorded in (and compared against) the transcript.
type VatSyscall struct {
	Kind SyscallKind `cbor:"kind"`

	Target VRef       `cbor:"target,omitempty"`
	Method string     `cbor:"method,omitempty"`
	Args   VatCapData `cbor:"args,omitempty"`
	Result VRef       `cbor:"result,omitempty"`

	Promise     VRef            `cbor:"promise,omitempty"`
	Resolutions []VatResolution `cbor:"resolutions,omitempty"`

	Failure bool       `cbor:"failure,omitempty"`
	Info    VatCapData `cbor:"info,omitempty"`

	Key   string `cbor:"key,omitempty"`
	Value []byte `cbor:"value,omitempty"`

	Refs []VRef `cbor:"refs,omitempty"`
}

// Validate checks internal consistency of the vat syscall union.
func (vs VatSyscall) Validate() error {
	switch vs.Kind {
	case SyscallSend:
		if err := vs.Target.Validate(); err != nil {
			return errors.Wrap(err, "send target")
		}
		if vs.Result != NoVRef && !vs.Result.IsPromise() {
			return errors.Errorf("send result %q is not a promise", vs.Result)
		}
	case SyscallSubscribe:
		if !vs.Promise.IsPromise() {
			return errors.Errorf("subscribe target %q is not a promise", vs.Promise)
		}
	case SyscallResolve:
		if len(vs.Resolutions) == 0 {
			return errors.New("resolve carries no resolutions")
		}
		for _, r := range vs.Resolutions {
			if !r.Promise.IsPromise() {
				return errors.Errorf("resolve target %q is not a promise", r.Promise)
			}
		}
	case SyscallExit:
	case SyscallVatstoreGet, SyscallVatstoreSet, SyscallVatstoreDelete:
		if vs.Key == "" {
			return errors.Errorf("%s with empty key", vs.Kind)
		}
	case SyscallDropImports:
		for _, r := range vs.Refs {
			if r.IsVatAllocated() {
				return errors.Errorf("dropImports of export %q", r)
			}
		}
	default:
		return errors.Errorf("unknown syscall kind %d", vs.Kind)
	}
	return nil
}

// SyscallResult carries the kernel's answer to a syscall. Only vatstoreGet
// produces a value; every other syscall yields the zero result on success.
type SyscallResult struct {
	Value []byte `cbor:"value,omitempty"`
	Found bool   `cbor:"found,omitempty"`
}
