// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

// Terminal size used when the size can not be determined.
const (
	defaultCols = 80
	defaultRows = 24
)
