package tracing

// Span attribute keys.
const (
	AttrPCIAddress    = "pci.address"
	AttrPCIBackend    = "pci.backend"
	AttrVGAResource   = "vgaarb.resource"
	AttrVGACount      = "vgaarb.count"
	AttrVGASkipped    = "vgaarb.skipped"
	AttrVGAContended  = "vgaarb.contended"
	AttrVGAStatusLine = "vgaarb.status.raw"
)

// EventStatusDefaulted marks a status line that could not be parsed and was
// read as "none".
const EventStatusDefaulted = "vgaarb.status.defaulted"
