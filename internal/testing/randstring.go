package testing

import (
	"math/rand"
	"strings"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ "

// RandString generates random text of n symbols from lower- and uppercase alphabet and spaces.
// The first symbol is never a space so the result is never blank.
func RandString(n int) string {
	var out strings.Builder
	out.WriteByte(charSet[rand.Intn(len(charSet)-1)])
	for i := 1; i < n; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}
