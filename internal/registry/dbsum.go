// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
)

// dbSumTemplate sums the whitespace-separated decimal integers carried
// in its sole dependence's DB payload, the consumer side of section
// 8's scenario 3 ("PD0 creates DB of 200 ints filled 1..200, releases,
// then creates a consumer EDT on PD1 with EW dependence").
func dbSumTemplate(out io.Writer) *edt.Template {
	return &edt.Template{
		Name:   "dbsum",
		ParamC: 0,
		DepC:   1,
		Func: func(_ []uint64, depv []edt.Dependence) guid.GUID {
			if len(depv) == 0 || len(depv[0].Payload) == 0 {
				fmt.Fprintln(out, "dbsum: a DB dependence of whitespace-separated integers is required")
				return guid.NullGUID
			}
			fields := strings.Fields(string(depv[0].Payload))
			var sum int64
			for _, f := range fields {
				n, err := strconv.ParseInt(f, 10, 64)
				if err != nil {
					fmt.Fprintf(out, "dbsum: skipping non-integer field %q: %v\n", f, err)
					continue
				}
				sum += n
			}
			fmt.Fprintf(out, "dbsum: %d value(s), sum=%d\n", len(fields), sum)
			return guid.NullGUID
		},
	}
}
