package abort

import "errors"

// ErrIPAUnmapped is returned when the faulting IPA has no stage-2
// translation at all (a genuine guest bug, not something this handler can
// emulate its way out of).
var ErrIPAUnmapped = errors.New("abort: ipa has no stage-2 mapping")

// ErrHWMappedFault is returned when a data abort lands on an address the
// stage-2 table already marks HW-mapped — it should never have trapped
// here, since hardware resolves HW/MAP entries itself.
var ErrHWMappedFault = errors.New("abort: fault on an already hardware-mapped address")
