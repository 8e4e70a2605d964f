// Copyright (C) 2024-2026  The Managarm Authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package memview

// misc utilities

import (
	"fmt"
)

func panicf(format string, argv ...interface{}) {
	panic(fmt.Sprintf(format, argv...))
}

func minu64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
