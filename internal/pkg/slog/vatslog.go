package slog

import (
	"github.com/vatkit/vatkit/internal/pkg/types"
)

// VatSlogger brackets one vat's lifecycle in the journal. The
// startup-start/startup-finish pair is written around manager construction so
// a crash during startup is distinguishable from a crash in steady state.
type VatSlogger struct {
	w        Writer
	vatID    types.VatID
	Starting bool
}

// ProvideVatSlogger opens the slog topic for a vat and records the
// "vat-startup-start" marker.
func ProvideVatSlogger(j Journal, vatID types.VatID, dynamic bool, description, name string, managerType string) *VatSlogger {
	w := j.Topic("vat." + string(vatID))
	w.Write("vat-startup-start",
		"vatID", string(vatID),
		"dynamic", dynamic,
		"description", description,
		"name", name,
		"managerType", managerType,
	)
	return &VatSlogger{w: w, vatID: vatID, Starting: true}
}

// Startup records the matching "vat-startup-finish" marker.
func (s *VatSlogger) Startup() {
	s.Starting = false
	s.w.Write("vat-startup-finish", "vatID", string(s.vatID))
}

// CrankStart records the beginning of one delivery to the vat.
func (s *VatSlogger) CrankStart(crank uint64, kind string) {
	s.w.Write("crank-start", "vatID", string(s.vatID), "crank", crank, "kind", kind)
}

// CrankFinish records the outcome of one delivery to the vat.
func (s *VatSlogger) CrankFinish(crank uint64, ok bool) {
	s.w.Write("crank-finish", "vatID", string(s.vatID), "crank", crank, "ok", ok)
}

// Terminated records the vat's removal from the kernel.
func (s *VatSlogger) Terminated(reason string) {
	s.w.Write("vat-terminated", "vatID", string(s.vatID), "reason", reason)
}
