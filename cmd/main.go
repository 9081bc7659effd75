// keyrelay - loopback hand-off channel for keystroke action sequences.
// Producers POST sequences, the companion sender polls them back out.
package main

import (
	"context"
	"os"
)

var version = "0.3.0"

func main() {
	os.Exit(submain(context.Background()))
}
