// Package registry provides the runtime's predefined EDT templates —
// small, self-contained bodies installed identically on every PD at
// bring-up (cmd/ocrd's run) so a mainEdt name on the command line
// resolves to the same template GUID everywhere. Each template
// exercises one of section 8's end-to-end shapes: a scalar paramv
// crossing to a remote EDT (scenario 2), or a DB dependence's payload
// consumed locally (scenarios 3 and 4).
package registry

import (
	"io"

	"github.com/open-community-runtime/ocr/internal/edt"
)

// NewTemplates returns the runtime's predefined EDT templates keyed by
// name, ready for cmd/ocrd or a test harness to register via the PD's
// EDTTEMP_CREATE path (api.Runtime.EdtTemplateCreate). out receives each template's
// human-readable result.
func NewTemplates(out io.Writer) map[string]*edt.Template {
	return map[string]*edt.Template{
		"echo":   echoTemplate(out),
		"dbsum":  dbSumTemplate(out),
		"dbdump": dbDumpTemplate(out),
	}
}
