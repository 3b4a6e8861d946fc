package doctor

import (
	"fmt"
	"os"

	"scribe/shutdown"
)

func setupInterruptHandler() {
	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)
	go func() {
		<-sig
		fmt.Println("\nInterrupted")
		os.Exit(1)
	}()
}
