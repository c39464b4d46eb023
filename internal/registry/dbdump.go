// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"io"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
)

// dbDumpPreviewLimit bounds how much of a handed-off DB's payload
// dbDumpTemplate prints, so a large DB (section 8's scenario 4 eager
// 100-int push) doesn't flood stdout.
const dbDumpPreviewLimit = 32

// dbDumpTemplate reports the size and a short preview of its sole
// dependence's DB payload, the consumer side of section 8's scenario
// 4 ("consumer on PD-last sees dbPtr[i]==i") and scenario 5 ("hands
// [the DB] to a consumer EDT, which calls ocrDbGetSize").
func dbDumpTemplate(out io.Writer) *edt.Template {
	return &edt.Template{
		Name:   "dbdump",
		ParamC: 0,
		DepC:   1,
		Func: func(_ []uint64, depv []edt.Dependence) guid.GUID {
			if len(depv) == 0 {
				fmt.Fprintln(out, "dbdump: a DB dependence is required")
				return guid.NullGUID
			}
			payload := depv[0].Payload
			preview := payload
			if len(preview) > dbDumpPreviewLimit {
				preview = preview[:dbDumpPreviewLimit]
			}
			fmt.Fprintf(out, "dbdump: size=%d preview=%v\n", len(payload), preview)
			return guid.NullGUID
		},
	}
}
