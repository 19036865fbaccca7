package cmd

import (
	"fmt"
)

const banner = `
   _____           _       _   _
  / ____|         (_)     | | (_)
 | (___   ___ _ __ _  __ _| |_ _ _ __ ___
  \___ \ / _ \ '__| |/ _` + "`" + ` | __| | '_ ` + "`" + ` _ \
  ____) |  __/ |  | | (_| | |_| | | | | | |
 |_____/ \___|_|  |_|\__,_|\__|_|_| |_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
