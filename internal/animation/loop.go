// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import "strconv"

// Loop is the number of complete traversals of an animation's frames. The
// zero Loop plays forever.
type Loop struct {
	// n is the number of traversals for a finite loop.
	n      int
	finite bool
}

// Forever is a Loop that never terminates.
var Forever = Loop{}

// Times returns a Loop that plays the animation n times. If n is less than
// one, the animation is played once.
func Times(n int) Loop {
	return Loop{n: max(n, 1), finite: true}
}

// loopFromGIF returns the Loop corresponding to the loop count held in
// a GIF's application extension, where zero means forever.
func loopFromGIF(n int) Loop {
	if n == 0 {
		return Forever
	}
	return Times(n)
}

// IsForever returns whether the loop never terminates.
func (l Loop) IsForever() bool {
	return !l.finite
}

// Count returns the number of traversals remaining and whether the loop
// is finite.
func (l Loop) Count() (n int, ok bool) {
	return l.n, l.finite
}

// next returns the loop after a completed traversal and whether
// the animation should continue.
func (l Loop) next() (Loop, bool) {
	if !l.finite {
		return l, true
	}
	l.n--
	return l, l.n > 0
}

func (l Loop) String() string {
	if !l.finite {
		return "forever"
	}
	return strconv.Itoa(l.n)
}
