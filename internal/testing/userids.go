package testing

import (
	"sync/atomic"
	"time"
)

var lastUserID = time.Now().UnixNano() / int64(time.Millisecond)

// NewUserID returns user id unique within the test process and unlikely to collide
// with ids left in a shared database by earlier runs
func NewUserID() int64 {
	return atomic.AddInt64(&lastUserID, 1)
}
