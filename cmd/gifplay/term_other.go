// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package main

import "os"

// terminalSize returns a default terminal size.
func terminalSize(*os.File) (cols, rows int) {
	return defaultCols, defaultRows
}
