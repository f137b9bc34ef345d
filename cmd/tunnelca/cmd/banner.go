package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _                          _
 | |_ _   _ _ __  _ __   ___| | ___ __ _
 | __| | | | '_ \| '_ \ / _ \ |/ __/ _` + "`" + ` |
 | |_| |_| | | | | | | |  __/ | (_| (_| |
  \__|\__,_|_| |_|_| |_|\___|_|\___\__,_|

`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Tunnel Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
