package types

// CapData is the serialized form of a message payload in kernel space: an
// opaque body plus the kernel references embedded in it. The kernel never
// inspects the body; only the slots are translated at the vat boundary.
type CapData struct {
	Body  []byte `cbor:"body"`
	Slots []KRef `cbor:"slots,omitempty"`
}

// VatCapData is CapData as presented to (or produced by) a vat, with slots in
// the vat's local numbering.
type VatCapData struct {
	Body  []byte `cbor:"body"`
	Slots []VRef `cbor:"slots,omitempty"`
}
