// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package meta

import "time"

// SystemClock implements Clock using the wall clock, the production
// default; tests inject a fixed-step fake instead so timestamp ordering
// assertions are deterministic.
type SystemClock struct{}

// NowMillis implements Clock.
func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }
