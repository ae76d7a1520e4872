package session

import (
	"github.com/JakeFAU/crawlcore/internal/bounded"
)

// Health-check wording shown to operators.
const (
	StatusOK              = "connection OK"
	statusTransientPrefix = "connection temporarily failed: "
	statusFatalPrefix     = "connection failed: "
)

// Describe renders a connection check outcome. Transient failures tell the
// operator to wait; fatal ones to reconfigure.
func Describe(out bounded.Outcome[struct{}]) string {
	switch out.Kind() {
	case bounded.KindSuccess:
		return StatusOK
	case bounded.KindTransient:
		return statusTransientPrefix + out.Interruption().Cause
	case bounded.KindInterrupted:
		return statusTransientPrefix + "check interrupted"
	default:
		return statusFatalPrefix + out.Err().Error()
	}
}
