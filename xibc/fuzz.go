// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

// Fuzz is a go-fuzz entry point exercising the module decoder against
// arbitrary bytes. It never panics: every malformed input must surface
// as a plain error from DecodeModule, never as silently zero-filled
// data.
func Fuzz(data []byte) int {
	m, err := DecodeModule(data, nil)
	if err != nil {
		return 0
	}
	_ = m.Encode()
	return 1
}
