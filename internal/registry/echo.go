// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"io"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
)

// echoTemplate reports the scalar parameter vector an EDT was created
// with, the shape section 8's scenario 2 checks directly ("PD1
// executes the EDT, observes paramv=[333,555]").
func echoTemplate(out io.Writer) *edt.Template {
	return &edt.Template{
		Name:   "echo",
		ParamC: 2,
		DepC:   0,
		Func: func(paramv []uint64, _ []edt.Dependence) guid.GUID {
			fmt.Fprintf(out, "echo: paramv=%v\n", paramv)
			return guid.NullGUID
		},
	}
}
